package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*Client)(nil)

// ClientConfig holds the merchant credentials for the outbound API.
type ClientConfig struct {
	BaseURL    string
	AppID      string
	MerchantID string
	Secret     string
	Serial     string
	Timeout    time.Duration
}

// Client talks JSON to the gateway's native (QR code) API. Requests are
// signed with the same scheme the gateway uses for notifications.
type Client struct {
	cfg    ClientConfig
	client *http.Client
	log    *zerolog.Logger
}

func NewClient(cfg ClientConfig, logger *zerolog.Logger) (*Client, error) {
	if cfg.MerchantID == "" || cfg.Secret == "" {
		return nil, errors.New("merchant id and secret are required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	l := logger.With().Str("component", "PaymentClient").Logger()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    &l,
	}, nil
}

func (c *Client) Name() string { return "qrpay" }

type nativeOrderRequest struct {
	AppID       string `json:"appid,omitempty"`
	MchID       string `json:"mchid"`
	Description string `json:"description"`
	OutTradeNo  string `json:"out_trade_no"`
	TimeExpire  string `json:"time_expire,omitempty"`
	NotifyURL   string `json:"notify_url"`
	Amount      struct {
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

type nativeOrderResponse struct {
	CodeURL  string `json:"code_url"`
	PrepayID string `json:"prepay_id"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) CreateOrder(ctx context.Context, req adapter.OrderRequest) (*adapter.OrderResponse, error) {
	body := nativeOrderRequest{
		AppID:       c.cfg.AppID,
		MchID:       c.cfg.MerchantID,
		Description: req.Description,
		OutTradeNo:  req.OrderID,
		NotifyURL:   req.NotifyURL,
	}
	if !req.ExpiresAt.IsZero() {
		body.TimeExpire = req.ExpiresAt.Format(time.RFC3339)
	}
	body.Amount.Total = req.Amount
	body.Amount.Currency = req.Currency

	var out nativeOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v3/pay/transactions/native", body, &out); err != nil {
		return nil, err
	}
	if out.CodeURL == "" {
		return nil, fmt.Errorf("%w: empty code_url for %s", domain.ErrGatewayRejected, req.OrderID)
	}
	return &adapter.OrderResponse{CodeURL: out.CodeURL, PrepayID: out.PrepayID, ExpiresAt: req.ExpiresAt}, nil
}

func (c *Client) QueryStatus(ctx context.Context, orderID string) (*model.PaymentEvent, error) {
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(orderID) + "?mchid=" + url.QueryEscape(c.cfg.MerchantID)
	var r resource
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	if r.OutTradeNo == "" {
		r.OutTradeNo = orderID
	}
	return r.event()
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSerial, c.cfg.Serial)
	req.Header.Set(HeaderSignature, SignMessage(c.cfg.Secret, ts, nonce, body))

	resp, err := c.client.Do(req)
	if err != nil {
		if isTransient(ctx, err) {
			return fmt.Errorf("%w: %s %s: %v", domain.ErrTransientGateway, method, path, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrTransientGateway, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("gateway unavailable")
		return fmt.Errorf("%w: http %d", domain.ErrTransientGateway, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited", domain.ErrTransientGateway)
	case resp.StatusCode >= 300:
		var ge gatewayError
		_ = json.Unmarshal(raw, &ge)
		return fmt.Errorf("%w: http %d %s %s", domain.ErrGatewayRejected, resp.StatusCode, ge.Code, ge.Message)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrGatewayRejected, err)
	}
	return nil
}

func isTransient(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
