package mpesa

import (
	"fmt"
	"strconv"
	"strings"
)

// jsonInt decodes an integer the provider serializes inconsistently as
// either a JSON number or a quoted string ("0", 0, "3599").
type jsonInt int

func (n *jsonInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("parse numeric field %q: %w", s, err)
	}
	*n = jsonInt(v)
	return nil
}
