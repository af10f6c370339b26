package adapter

import (
	"context"
	"net/http"
	"time"

	"subscription-engine/internal/domain/model"
)

// OrderRequest asks the gateway for a QR code.
type OrderRequest struct {
	OrderID     string
	UserID      string
	Description string
	Amount      int64 // minor units
	Currency    string
	NotifyURL   string
	ExpiresAt   time.Time
}

// OrderResponse carries what the payer needs to scan.
type OrderResponse struct {
	CodeURL   string // content of the QR image
	PrepayID  string
	ExpiresAt time.Time
}

// PaymentGateway is the hex port for QR-code payment providers.
type PaymentGateway interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	// QueryStatus returns the gateway's current view of an order in the same
	// shape as a notification. Timeouts and 5xx map to domain.ErrTransientGateway.
	QueryStatus(ctx context.Context, orderID string) (*model.PaymentEvent, error)
}

// Encoding is the wire format of a gateway notification.
type Encoding string

const (
	EncodingXML  Encoding = "xml"
	EncodingJSON Encoding = "json"
)

// NotificationCodec verifies inbound notifications and renders the
// acknowledgements the gateway expects.
type NotificationCodec interface {
	// Decode is pure: it verifies the signature and normalizes the payload.
	// Bad signatures yield domain.ErrVerificationFailed, unreadable bodies
	// domain.ErrMalformedNotification, and verified notifications without a
	// settled outcome domain.ErrNotificationIgnored.
	Decode(body []byte, header http.Header) (*model.PaymentEvent, Encoding, error)
	Ack(enc Encoding, ok bool, message string) (contentType string, body []byte)
}
