package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/config"
)

const timestampLayout = "20060102150405"

// Daraja uses this code on the query endpoint while a push is still
// awaiting the payer's PIN entry.
const codeStillProcessing = "500.001.1001"

// Client talks the Daraja STK-push protocol: push initiation, status
// query and reversal. Every operation acquires a bearer token first; a
// token failure short-circuits before the operation endpoint is touched.
type Client struct {
	cfg    *config.Config
	tokens *TokenSource
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &Client{
		cfg:    cfg,
		tokens: NewTokenSource(cfg.MpesaBaseURL, cfg.ConsumerKey, cfg.ConsumerSecret, httpClient),
		http:   httpClient,
		logger: logger,
		now:    time.Now,
	}
}

type InitiateResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

type StatusResult struct {
	ResultCode  int
	ResultDesc  string
	Amount      decimal.Decimal
	PhoneNumber string
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string  `json:"MerchantRequestID"`
	CheckoutRequestID   string  `json:"CheckoutRequestID"`
	ResponseCode        jsonInt `json:"ResponseCode"`
	ResponseDescription string  `json:"ResponseDescription"`
	CustomerMessage     string  `json:"CustomerMessage"`
}

// InitiatePushPayment asks the provider to prompt the payer's phone and
// returns the provider-issued correlation ids.
func (c *Client) InitiatePushPayment(ctx context.Context, phoneNumber string, amount decimal.Decimal, reference, description string) (*InitiateResult, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().Format(timestampLayout)
	req := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          stkPassword(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.Truncate(0).String(),
		PartyA:            phoneNumber,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phoneNumber,
		CallBackURL:       c.cfg.CallbackBaseURL + "/mpesa/callback",
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	var resp stkPushResponse
	if err := c.post(ctx, token, "/mpesa/stkpush/v1/processrequest", "push payment", req, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != 0 {
		return nil, &GatewayError{
			Code:        fmt.Sprintf("%d", resp.ResponseCode),
			Description: resp.ResponseDescription,
		}
	}

	c.logger.Info("STK push accepted",
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("merchant_request_id", resp.MerchantRequestID),
	)

	return &InitiateResult{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

type statusQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type statusQueryResponse struct {
	ResponseCode        jsonInt `json:"ResponseCode"`
	ResponseDescription string  `json:"ResponseDescription"`
	ResultCode          jsonInt `json:"ResultCode"`
	ResultDesc          string  `json:"ResultDesc"`
	Amount              jsonInt `json:"Amount"`
	PhoneNumber         string  `json:"PhoneNumber"`
}

// QueryStatus polls the provider for the outcome of a previously initiated
// push. The background sweep uses it when no callback arrived in time.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().Format(timestampLayout)
	req := statusQueryRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          stkPassword(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp statusQueryResponse
	if err := c.post(ctx, token, "/mpesa/stkpushquery/v1/query", "status query", req, &resp); err != nil {
		return nil, err
	}

	return &StatusResult{
		ResultCode:  int(resp.ResultCode),
		ResultDesc:  resp.ResultDesc,
		Amount:      decimal.NewFromInt(int64(resp.Amount)),
		PhoneNumber: resp.PhoneNumber,
	}, nil
}

type reversalRequest struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	TransactionID          string `json:"TransactionID"`
	Amount                 string `json:"Amount"`
	ReceiverParty          string `json:"ReceiverParty"`
	RecieverIdentifierType string `json:"RecieverIdentifierType"`
	ResultURL              string `json:"ResultURL"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	Remarks                string `json:"Remarks"`
	Occasion               string `json:"Occasion"`
}

type reversalResponse struct {
	ResponseCode        jsonInt `json:"ResponseCode"`
	ResponseDescription string  `json:"ResponseDescription"`
}

// ReverseTransaction asks the provider to reverse a settled transaction.
// Accepted means queued: the reversal result arrives later on a separate
// result callback. It uses the initiator credential set, not the push
// passkey.
func (c *Client) ReverseTransaction(ctx context.Context, transactionID string, amount decimal.Decimal, counterpartyMsisdn string) (bool, error) {
	if err := validateAmount(amount); err != nil {
		return false, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return false, err
	}

	req := reversalRequest{
		Initiator:              c.cfg.InitiatorName,
		SecurityCredential:     c.cfg.SecurityCredential,
		CommandID:              "TransactionReversal",
		TransactionID:          transactionID,
		Amount:                 amount.Truncate(0).String(),
		ReceiverParty:          counterpartyMsisdn,
		RecieverIdentifierType: "11",
		ResultURL:              c.cfg.CallbackBaseURL + "/mpesa/reversal/result",
		QueueTimeOutURL:        c.cfg.CallbackBaseURL + "/mpesa/reversal/timeout",
		Remarks:                "payment reversal",
	}

	var resp reversalResponse
	if err := c.post(ctx, token, "/mpesa/reversal/v1/request", "reversal", req, &resp); err != nil {
		return false, err
	}

	if resp.ResponseCode != 0 {
		return false, &GatewayError{
			Code:        fmt.Sprintf("%d", resp.ResponseCode),
			Description: resp.ResponseDescription,
		}
	}
	return true, nil
}

// providerErrorEnvelope is the provider's non-200 error body.
type providerErrorEnvelope struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) post(ctx context.Context, token, path, op string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.MpesaBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		if terr := timeoutOrNil(op, err); terr != nil {
			return terr
		}
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		var envelope providerErrorEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.ErrorCode == "" {
			return &GatewayError{
				Code:        fmt.Sprintf("http_%d", resp.StatusCode),
				Description: string(raw),
			}
		}
		return &GatewayError{Code: envelope.ErrorCode, Description: envelope.ErrorMessage}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// stkPassword builds the per-request Daraja password:
// base64(shortcode + passkey + timestamp).
func stkPassword(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return &InvalidAmountError{Amount: amount}
	}
	return nil
}
