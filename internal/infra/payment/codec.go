package payment

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
)

var _ adapter.NotificationCodec = (*Codec)(nil)

const (
	legacyTimeLayout = "20060102150405"
	defaultWindow    = 5 * time.Minute
	ackSuccess       = "SUCCESS"
	ackFail          = "FAIL"
)

// Codec decodes gateway notifications in either encoding. It holds no state
// besides keys and is safe for concurrent use.
type Codec struct {
	secret string
	loc    *time.Location
	window time.Duration
	now    func() time.Time
}

// NewCodec builds a codec for one merchant secret. loc is the gateway's
// clock for legacy timestamps.
func NewCodec(secret string, loc *time.Location) *Codec {
	if loc == nil {
		loc = time.UTC
	}
	return &Codec{secret: secret, loc: loc, window: defaultWindow, now: time.Now}
}

// Decode verifies and normalizes a notification. It never touches state.
// A verified notification without a settled outcome yields
// domain.ErrNotificationIgnored.
func (c *Codec) Decode(body []byte, header http.Header) (*model.PaymentEvent, adapter.Encoding, error) {
	enc, err := sniff(body, header.Get("Content-Type"))
	if err != nil {
		return nil, "", err
	}
	var ev *model.PaymentEvent
	switch enc {
	case adapter.EncodingXML:
		ev, err = c.decodeXML(body)
	default:
		ev, err = c.decodeJSON(body, header)
	}
	return ev, enc, err
}

func sniff(body []byte, contentType string) (adapter.Encoding, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "xml"):
		return adapter.EncodingXML, nil
	case strings.Contains(ct, "json"):
		return adapter.EncodingJSON, nil
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty body", domain.ErrMalformedNotification)
	}
	switch trimmed[0] {
	case '<':
		return adapter.EncodingXML, nil
	case '{':
		return adapter.EncodingJSON, nil
	}
	return "", fmt.Errorf("%w: unrecognized body", domain.ErrMalformedNotification)
}

// ---- legacy XML ----

func (c *Codec) decodeXML(body []byte) (*model.PaymentEvent, error) {
	fields, err := parseFlatXML(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedNotification, err)
	}
	if !VerifyFields(fields, c.secret) {
		return nil, domain.ErrVerificationFailed
	}
	if fields["return_code"] != ackSuccess {
		return nil, fmt.Errorf("%w: return_code %q: %s", domain.ErrNotificationIgnored, fields["return_code"], fields["return_msg"])
	}
	orderID := fields["out_trade_no"]
	if orderID == "" {
		return nil, fmt.Errorf("%w: missing out_trade_no", domain.ErrMalformedNotification)
	}

	ev := &model.PaymentEvent{OrderID: orderID, Currency: strings.ToUpper(fields["fee_type"])}
	if ev.Currency == "" {
		ev.Currency = "CNY"
	}
	if fields["result_code"] != ackSuccess {
		ev.Outcome = model.OutcomeFailure
		reason := fields["err_code_des"]
		if reason == "" {
			reason = strings.ToLower(fields["err_code"])
		}
		if reason != "" {
			ev.FailureReason = &reason
		}
		return ev, nil
	}

	ev.Outcome = model.OutcomeSuccess
	if tx := fields["transaction_id"]; tx != "" {
		ev.TransactionID = &tx
	}
	if fee := fields["total_fee"]; fee != "" {
		n, err := strconv.ParseInt(fee, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: total_fee %q", domain.ErrMalformedNotification, fee)
		}
		ev.AmountPaid = &n
	}
	if ts := fields["time_end"]; ts != "" {
		t, err := time.ParseInLocation(legacyTimeLayout, ts, c.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: time_end %q", domain.ErrMalformedNotification, ts)
		}
		ev.PaidAt = &t
	}
	return ev, nil
}

// parseFlatXML reads <xml><k>v</k>...</xml> into a map. CDATA is unwrapped by
// the tokenizer.
func parseFlatXML(body []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	fields := make(map[string]string)
	depth := 0
	var key string
	var val strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = t.Name.Local
				val.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				val.Write(t)
			}
		case xml.EndElement:
			if depth == 2 {
				fields[key] = strings.TrimSpace(val.String())
			}
			depth--
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("no fields")
	}
	return fields, nil
}

// ---- JSON ----

type notification struct {
	ID        string   `json:"id"`
	EventType string   `json:"event_type"`
	Resource  resource `json:"resource"`
}

// resource is the transaction shape shared by notifications and status queries.
type resource struct {
	OutTradeNo     string `json:"out_trade_no"`
	TransactionID  string `json:"transaction_id"`
	TradeState     string `json:"trade_state"`
	TradeStateDesc string `json:"trade_state_desc"`
	Amount         struct {
		Total      *int64 `json:"total"`
		PayerTotal *int64 `json:"payer_total"`
		Currency   string `json:"currency"`
	} `json:"amount"`
	SuccessTime string `json:"success_time"`
}

func (c *Codec) decodeJSON(body []byte, header http.Header) (*model.PaymentEvent, error) {
	ts := header.Get(HeaderTimestamp)
	nonce := header.Get(HeaderNonce)
	if !VerifyMessage(c.secret, ts, nonce, body, header.Get(HeaderSignature)) {
		return nil, domain.ErrVerificationFailed
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", domain.ErrVerificationFailed, ts)
	}
	if d := c.now().Sub(time.Unix(sec, 0)); d > c.window || d < -c.window {
		return nil, fmt.Errorf("%w: timestamp outside replay window", domain.ErrVerificationFailed)
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedNotification, err)
	}
	ev, err := n.Resource.event()
	if err != nil {
		return nil, err
	}
	if ev.Outcome == model.OutcomePending {
		return nil, fmt.Errorf("%w: trade_state %q", domain.ErrNotificationIgnored, n.Resource.TradeState)
	}
	return ev, nil
}

// event maps a gateway trade state to the normalized outcome.
func (r resource) event() (*model.PaymentEvent, error) {
	if r.OutTradeNo == "" {
		return nil, fmt.Errorf("%w: missing out_trade_no", domain.ErrMalformedNotification)
	}
	ev := &model.PaymentEvent{OrderID: r.OutTradeNo, Currency: strings.ToUpper(r.Amount.Currency)}
	switch strings.ToUpper(r.TradeState) {
	case "SUCCESS":
		ev.Outcome = model.OutcomeSuccess
		if r.TransactionID != "" {
			tx := r.TransactionID
			ev.TransactionID = &tx
		}
		if r.Amount.Total != nil {
			v := *r.Amount.Total
			ev.AmountPaid = &v
		}
		if r.SuccessTime != "" {
			t, err := time.Parse(time.RFC3339, r.SuccessTime)
			if err != nil {
				return nil, fmt.Errorf("%w: success_time %q", domain.ErrMalformedNotification, r.SuccessTime)
			}
			ev.PaidAt = &t
		}
	case "PAYERROR", "REVOKED", "CLOSED":
		ev.Outcome = model.OutcomeFailure
		reason := strings.ToLower(r.TradeState)
		if r.TradeStateDesc != "" && !strings.EqualFold(r.TradeState, "CLOSED") {
			reason = r.TradeStateDesc
		}
		ev.FailureReason = &reason
	case "NOTPAY", "USERPAYING":
		ev.Outcome = model.OutcomePending
	default:
		return nil, fmt.Errorf("%w: trade_state %q", domain.ErrMalformedNotification, r.TradeState)
	}
	return ev, nil
}

// ---- acknowledgements ----

type cdata struct {
	Value string `xml:",cdata"`
}

type xmlAck struct {
	XMLName    xml.Name `xml:"xml"`
	ReturnCode cdata    `xml:"return_code"`
	ReturnMsg  cdata    `xml:"return_msg"`
}

type jsonAck struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack renders the acknowledgement the gateway expects for enc.
func (c *Codec) Ack(enc adapter.Encoding, ok bool, message string) (string, []byte) {
	code := ackSuccess
	if !ok {
		code = ackFail
	}
	if message == "" {
		message = "OK"
	}
	if enc == adapter.EncodingXML {
		b, _ := xml.Marshal(xmlAck{ReturnCode: cdata{code}, ReturnMsg: cdata{message}})
		return "application/xml; charset=utf-8", b
	}
	b, _ := json.Marshal(jsonAck{Code: code, Message: message})
	return "application/json; charset=utf-8", b
}
