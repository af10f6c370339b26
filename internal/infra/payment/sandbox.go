package payment

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*Sandbox)(nil)

type sandboxOrder struct {
	req    adapter.OrderRequest
	state  string
	desc   string
	txID   string
	paidAt time.Time
}

// Sandbox is an in-process gateway for development, the demo and tests.
// Orders start unpaid; Settle and Decline move them, and Notification renders
// the push the real gateway would send.
type Sandbox struct {
	mu      sync.Mutex
	orders  map[string]*sandboxOrder
	secret  string
	loc     *time.Location
	latency time.Duration
}

func NewSandbox(secret string, loc *time.Location) *Sandbox {
	if loc == nil {
		loc = time.UTC
	}
	return &Sandbox{orders: make(map[string]*sandboxOrder), secret: secret, loc: loc}
}

// SetLatency delays every QueryStatus call, to exercise poll timeouts.
func (s *Sandbox) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

func (s *Sandbox) Name() string { return "sandbox" }

func (s *Sandbox) CreateOrder(ctx context.Context, req adapter.OrderRequest) (*adapter.OrderResponse, error) {
	if req.OrderID == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("%w: order id and positive amount required", domain.ErrGatewayRejected)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[req.OrderID]; ok {
		return nil, fmt.Errorf("%w: duplicate out_trade_no %s", domain.ErrGatewayRejected, req.OrderID)
	}
	s.orders[req.OrderID] = &sandboxOrder{req: req, state: "NOTPAY"}
	return &adapter.OrderResponse{
		CodeURL:   "weixin://wxpay/bizpayurl?pr=" + req.OrderID,
		PrepayID:  "sandbox-" + req.OrderID,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (s *Sandbox) QueryStatus(ctx context.Context, orderID string) (*model.PaymentEvent, error) {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTransientGateway, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s not found", domain.ErrGatewayRejected, orderID)
	}
	return o.resource().event()
}

// Settle marks the order paid in full.
func (s *Sandbox) Settle(orderID string) error {
	return s.move(orderID, func(o *sandboxOrder) {
		o.state = "SUCCESS"
		o.txID = "4200" + strconv.FormatInt(time.Now().UnixNano(), 10)
		o.paidAt = time.Now().In(s.loc).Truncate(time.Second)
	})
}

// Decline marks the order failed with desc as the gateway's reason.
func (s *Sandbox) Decline(orderID, desc string) error {
	return s.move(orderID, func(o *sandboxOrder) {
		o.state = "PAYERROR"
		o.desc = desc
	})
}

func (s *Sandbox) move(orderID string, fn func(*sandboxOrder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	fn(o)
	return nil
}

func (o *sandboxOrder) resource() resource {
	r := resource{
		OutTradeNo:     o.req.OrderID,
		TransactionID:  o.txID,
		TradeState:     o.state,
		TradeStateDesc: o.desc,
	}
	total := o.req.Amount
	r.Amount.Total = &total
	r.Amount.PayerTotal = &total
	r.Amount.Currency = o.req.Currency
	if !o.paidAt.IsZero() {
		r.SuccessTime = o.paidAt.Format(time.RFC3339)
	}
	return r
}

// Notification renders the signed push for a settled order in enc.
func (s *Sandbox) Notification(orderID string, enc adapter.Encoding) ([]byte, http.Header, error) {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	var r resource
	if ok {
		r = o.resource()
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	if r.TradeState == "NOTPAY" {
		return nil, nil, fmt.Errorf("%w: order %s is not settled", domain.ErrInvalidArgument, orderID)
	}

	if enc == adapter.EncodingXML {
		return s.legacyNotification(r)
	}

	eventType := "TRANSACTION.SUCCESS"
	if r.TradeState != "SUCCESS" {
		eventType = "TRANSACTION.FAIL"
	}
	body, err := json.Marshal(notification{ID: uuid.NewString(), EventType: eventType, Resource: r})
	if err != nil {
		return nil, nil, err
	}
	h := SignedHeader(s.secret, body, time.Now())
	h.Set("Content-Type", "application/json")
	return body, h, nil
}

// SignedHeader builds the signature headers for a JSON body at t.
func SignedHeader(secret string, body []byte, t time.Time) http.Header {
	ts := strconv.FormatInt(t.Unix(), 10)
	nonce := uuid.NewString()
	h := http.Header{}
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSerial, "sandbox")
	h.Set(HeaderSignature, SignMessage(secret, ts, nonce, body))
	return h
}

func (s *Sandbox) legacyNotification(r resource) ([]byte, http.Header, error) {
	fields := map[string]string{
		"return_code":  ackSuccess,
		"out_trade_no": r.OutTradeNo,
		"fee_type":     r.Amount.Currency,
		"nonce_str":    uuid.NewString()[:16],
		"sign_type":    SignTypeMD5,
	}
	if r.TradeState == "SUCCESS" {
		fields["result_code"] = ackSuccess
		fields["transaction_id"] = r.TransactionID
		fields["total_fee"] = strconv.FormatInt(*r.Amount.Total, 10)
		if t, err := time.Parse(time.RFC3339, r.SuccessTime); err == nil {
			fields["time_end"] = t.In(s.loc).Format(legacyTimeLayout)
		}
	} else {
		fields["result_code"] = ackFail
		fields["err_code"] = r.TradeState
		fields["err_code_des"] = r.TradeStateDesc
	}
	fields["sign"] = SignFields(fields, s.secret, SignTypeMD5)

	body, err := EncodeFlatXML(fields)
	if err != nil {
		return nil, nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "text/xml")
	return body, h, nil
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",cdata"`
}

// EncodeFlatXML renders fields as <xml><k><![CDATA[v]]></k>...</xml>.
func EncodeFlatXML(fields map[string]string) ([]byte, error) {
	buf := []byte("<xml>")
	for k, v := range fields {
		b, err := xml.Marshal(xmlField{XMLName: xml.Name{Local: k}, Value: v})
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	buf = append(buf, "</xml>"...)
	return buf, nil
}
