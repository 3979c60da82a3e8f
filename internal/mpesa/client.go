package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	mpesatypes "github.com/frahmantamala/soko-payments/internal/core/datamodel/mpesa"
)

const (
	tokenPath        = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath      = "/mpesa/stkpush/v1/processrequest"
	disbursementPath = "/mpesa/b2c/v3/paymentrequest"

	CollectionCallbackPath  = "/api/v1/payments/callback"
	DisbursementResultPath  = "/api/v1/payments/b2c/result"
	DisbursementTimeoutPath = "/api/v1/payments/b2c/timeout"

	maxErrorBody = 4 << 10
)

// Gateway is the surface the ledgers and scheduler depend on.
type Gateway interface {
	InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionResponse, error)
	InitiateDisbursement(ctx context.Context, req DisbursementRequest) (*DisbursementResponse, error)
}

type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	CommandID          string
	CountryCode        string
	Timeout            time.Duration
}

func ConfigFrom(cfg internal.MpesaConfig) Config {
	return Config{
		BaseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		ConsumerKey:        cfg.ConsumerKey,
		ConsumerSecret:     cfg.ConsumerSecret,
		Shortcode:          cfg.Shortcode,
		Passkey:            cfg.Passkey,
		InitiatorName:      cfg.InitiatorName,
		SecurityCredential: cfg.SecurityCredential,
		CallbackBaseURL:    strings.TrimRight(cfg.CallbackBaseURL, "/"),
		CommandID:          cfg.CommandID,
		CountryCode:        cfg.CountryCode,
		Timeout:            cfg.RequestTimeout,
	}
}

type CollectionRequest struct {
	Phone      string
	Amount     decimal.Decimal
	OrderRef   string
	AccountRef string
}

type CollectionResponse struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

type DisbursementRequest struct {
	OriginatorConversationID string
	Method                   disbursement.Method
	Destination              string
	AccountReference         string
	Amount                   decimal.Decimal
	Remarks                  string
	Occasion                 string
}

type DisbursementResponse struct {
	ConversationID           string
	OriginatorConversationID string
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CommandID == "" {
		cfg.CommandID = mpesatypes.CommandBusinessPayment
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = DefaultCountryCode
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAccessToken fetches a fresh OAuth token. Tokens are not cached.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", internal.NewAuthError("failed to build token request", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("mpesa: token request failed", "error", err)
		return "", internal.NewAuthError("token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("mpesa: token request rejected", "status", resp.StatusCode, "body", string(body))
		return "", internal.NewAuthError(fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var token mpesatypes.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", internal.NewAuthError("failed to decode token response", err)
	}
	if token.AccessToken == "" {
		return "", internal.NewAuthError("token response has no access_token", nil)
	}
	return token.AccessToken, nil
}

// InitiateCollection sends an STK push prompt to the payer's phone. The
// returned CheckoutRequestID is the token the collection callback will carry.
func (c *Client) InitiateCollection(ctx context.Context, in CollectionRequest) (*CollectionResponse, error) {
	phone, err := NormalizePhone(in.Phone, c.cfg.CountryCode)
	if err != nil {
		return nil, err
	}
	amount, err := wholeUnits(in.Amount)
	if err != nil {
		return nil, err
	}

	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now())
	payload := mpesatypes.STKPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   mpesatypes.TransactionTypePayBillOnline,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackBaseURL + CollectionCallbackPath,
		AccountReference:  in.AccountRef,
		TransactionDesc:   fmt.Sprintf("Payment for Order %s", in.OrderRef),
	}

	c.logger.Info("mpesa: initiating collection",
		"order_ref", in.OrderRef,
		"amount", amount)

	var out mpesatypes.STKPushResponse
	if err := c.post(ctx, stkPushPath, token, payload, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != mpesatypes.ResponseAccepted {
		return nil, internal.NewGatewayError(describe(out.ResponseDescription, out.ResponseCode), internal.GatewayDetails{
			ResponseCode: out.ResponseCode,
		})
	}
	if out.CheckoutRequestID == "" {
		return nil, internal.NewOutcomeUnknownError("collection accepted without a CheckoutRequestID", nil)
	}

	c.logger.Info("mpesa: collection accepted",
		"order_ref", in.OrderRef,
		"checkout_request_id", out.CheckoutRequestID)

	return &CollectionResponse{
		CheckoutRequestID: out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		CustomerMessage:   out.CustomerMessage,
	}, nil
}

// InitiateDisbursement pays an artisan. The gateway echoes our
// OriginatorConversationID and assigns a ConversationID that the result
// callback will reference.
func (c *Client) InitiateDisbursement(ctx context.Context, in DisbursementRequest) (*DisbursementResponse, error) {
	partyB, err := c.destination(in)
	if err != nil {
		return nil, err
	}
	amount, err := wholeUnits(in.Amount)
	if err != nil {
		return nil, err
	}
	if in.OriginatorConversationID == "" {
		return nil, internal.NewValidationError("originator conversation id is required", internal.ErrCodeValidationFailed)
	}

	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := mpesatypes.B2CRequest{
		OriginatorConversationID: in.OriginatorConversationID,
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                c.cfg.CommandID,
		Amount:                   amount,
		PartyA:                   c.cfg.Shortcode,
		PartyB:                   partyB,
		Remarks:                  in.Remarks,
		QueueTimeOutURL:          c.cfg.CallbackBaseURL + DisbursementTimeoutPath,
		ResultURL:                c.cfg.CallbackBaseURL + DisbursementResultPath,
		Occasion:                 in.Occasion,
	}
	if in.Method == disbursement.MethodPaybill {
		payload.AccountReference = in.AccountReference
	}
	if payload.Remarks == "" {
		payload.Remarks = "Payment for order items"
	}

	c.logger.Info("mpesa: initiating disbursement",
		"originator_conversation_id", in.OriginatorConversationID,
		"method", in.Method,
		"amount", amount)

	var out mpesatypes.B2CResponse
	if err := c.post(ctx, disbursementPath, token, payload, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != mpesatypes.ResponseAccepted {
		return nil, internal.NewGatewayError(describe(out.ResponseDescription, out.ResponseCode), internal.GatewayDetails{
			ResponseCode: out.ResponseCode,
		})
	}
	if out.ConversationID == "" {
		return nil, internal.NewOutcomeUnknownError("disbursement accepted without a ConversationID", nil)
	}
	if out.OriginatorConversationID == "" {
		out.OriginatorConversationID = in.OriginatorConversationID
	}

	c.logger.Info("mpesa: disbursement accepted",
		"originator_conversation_id", out.OriginatorConversationID,
		"conversation_id", out.ConversationID)

	return &DisbursementResponse{
		ConversationID:           out.ConversationID,
		OriginatorConversationID: out.OriginatorConversationID,
	}, nil
}

func (c *Client) destination(in DisbursementRequest) (string, error) {
	switch in.Method {
	case disbursement.MethodPaybill:
		if err := ValidatePaybill(in.Destination); err != nil {
			return "", err
		}
		return strings.TrimSpace(in.Destination), nil
	case disbursement.MethodPhone, "":
		return NormalizePhone(in.Destination, c.cfg.CountryCode)
	default:
		return "", internal.NewValidationFieldError("method", fmt.Sprintf("unsupported disbursement method %q", in.Method), internal.ErrCodeValidationFailed)
	}
}

// post sends payload and decodes a 2xx body into out. Failures are sorted
// into explicit rejections and requests whose outcome is unknown.
func (c *Client) post(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return internal.NewInternalError("failed to marshal gateway request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return internal.NewInternalError("failed to build gateway request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.rejection(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return internal.NewOutcomeUnknownError("gateway accepted the request but the response was unreadable", err)
	}
	return nil
}

func (c *Client) rejection(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body mpesatypes.ErrorResponse
	parsed := json.Unmarshal(raw, &body) == nil && body.ErrorMessage != ""

	c.logger.Warn("mpesa: gateway returned error status",
		"status", resp.StatusCode,
		"error_code", body.ErrorCode,
		"error_message", body.ErrorMessage)

	status := fmt.Sprintf("gateway returned status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusUnauthorized {
		var cause error
		if parsed {
			cause = errors.New(body.ErrorMessage)
		}
		return internal.NewAuthError(status, cause)
	}
	if parsed {
		return internal.NewGatewayError(body.ErrorMessage, internal.GatewayDetails{
			ResponseCode: body.ErrorCode,
			HTTPStatus:   resp.StatusCode,
		})
	}
	// an intermediary answered; the request may already have been forwarded
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return internal.NewOutcomeUnknownError(status, nil)
	}
	return internal.NewGatewayError(status, internal.GatewayDetails{
		HTTPStatus: resp.StatusCode,
	})
}

// classifyTransportError decides whether a failed round trip could have
// reached the gateway. Dial failures could not; timeouts and broken
// connections might have.
func classifyTransportError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || errors.Is(err, syscall.ECONNREFUSED) {
		return internal.NewGatewayError("gateway unreachable", internal.GatewayDetails{}).WithCause(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return internal.NewGatewayError("gateway unreachable", internal.GatewayDetails{}).WithCause(err)
	}
	return internal.NewOutcomeUnknownError("gateway request outcome unknown", err)
}

func wholeUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, internal.NewValidationFieldError("amount", "amount must be positive", internal.ErrCodeInvalidAmount)
	}
	if !amount.IsInteger() {
		return 0, internal.NewValidationFieldError("amount", "amount must be a whole number of currency units", internal.ErrCodeInvalidAmount)
	}
	return amount.IntPart(), nil
}

func describe(desc, code string) string {
	if desc != "" {
		return desc
	}
	return fmt.Sprintf("gateway response code %s", code)
}
