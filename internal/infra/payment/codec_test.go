//go:build !integration

package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
)

const testSecret = "192006250b4c09247ec02edce69f6a2d"

var shanghai = time.FixedZone("CST", 8*3600)

func legacyFields() map[string]string {
	return map[string]string{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"out_trade_no":   "01J9ZQ3V6T0000000000000000",
		"transaction_id": "4200001234202610140000000001",
		"total_fee":      "2990",
		"fee_type":       "CNY",
		"time_end":       "20261014103000",
		"nonce_str":      "5K8264ILTKCH16CQ",
		"appid":          "wx2421b1c4370ec43b",
		"mch_id":         "10000100",
	}
}

func signedXML(t *testing.T, fields map[string]string, signType string) []byte {
	t.Helper()
	if signType != "" {
		fields["sign_type"] = signType
	}
	fields["sign"] = SignFields(fields, testSecret, signType)
	body, err := EncodeFlatXML(fields)
	require.NoError(t, err)
	return body
}

func TestSignFields(t *testing.T) {
	t.Run("should sort keys and skip empty values", func(t *testing.T) {
		got := canonicalFields(map[string]string{"b": "2", "a": "1", "c": "", "sign": "X"}, "k")
		assert.Equal(t, "a=1&b=2&key=k", got)
	})

	t.Run("should produce uppercase hex", func(t *testing.T) {
		sig := SignFields(map[string]string{"a": "1"}, "k", SignTypeMD5)
		assert.Len(t, sig, 32)
		assert.Equal(t, strings.ToUpper(sig), sig)
		assert.Len(t, SignFields(map[string]string{"a": "1"}, "k", SignTypeHMACSHA256), 64)
	})
}

func TestCodec_DecodeXML(t *testing.T) {
	codec := NewCodec(testSecret, shanghai)

	t.Run("should decode a signed success", func(t *testing.T) {
		ev, enc, err := codec.Decode(signedXML(t, legacyFields(), ""), http.Header{"Content-Type": {"text/xml"}})
		require.NoError(t, err)
		assert.Equal(t, adapter.EncodingXML, enc)
		assert.Equal(t, model.OutcomeSuccess, ev.Outcome)
		assert.Equal(t, "01J9ZQ3V6T0000000000000000", ev.OrderID)
		require.NotNil(t, ev.AmountPaid)
		assert.Equal(t, int64(2990), *ev.AmountPaid)
		assert.Equal(t, "CNY", ev.Currency)
		require.NotNil(t, ev.PaidAt)
		assert.True(t, ev.PaidAt.Equal(time.Date(2026, 10, 14, 2, 30, 0, 0, time.UTC)))
	})

	t.Run("should accept HMAC-SHA256 signatures", func(t *testing.T) {
		ev, _, err := codec.Decode(signedXML(t, legacyFields(), SignTypeHMACSHA256), http.Header{})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeSuccess, ev.Outcome)
	})

	t.Run("should reject a tampered amount", func(t *testing.T) {
		fields := legacyFields()
		fields["sign"] = SignFields(fields, testSecret, "")
		fields["total_fee"] = "1"
		body, err := EncodeFlatXML(fields)
		require.NoError(t, err)

		_, _, err = codec.Decode(body, http.Header{})
		assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	})

	t.Run("should reject the wrong key", func(t *testing.T) {
		_, _, err := NewCodec("other", shanghai).Decode(signedXML(t, legacyFields(), ""), http.Header{})
		assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	})

	t.Run("should decode a business failure", func(t *testing.T) {
		fields := legacyFields()
		fields["result_code"] = "FAIL"
		fields["err_code"] = "NOTENOUGH"
		fields["err_code_des"] = "balance not enough"
		delete(fields, "transaction_id")

		ev, _, err := codec.Decode(signedXML(t, fields, ""), http.Header{})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeFailure, ev.Outcome)
		assert.Equal(t, "balance not enough", *ev.FailureReason)
	})

	t.Run("should ignore a signed communication failure", func(t *testing.T) {
		fields := map[string]string{
			"return_code": "FAIL",
			"return_msg":  "system busy",
			"nonce_str":   "5K8264ILTKCH16CQ",
		}
		ev, enc, err := codec.Decode(signedXML(t, fields, ""), http.Header{})
		assert.ErrorIs(t, err, domain.ErrNotificationIgnored)
		assert.Equal(t, adapter.EncodingXML, enc)
		assert.Nil(t, ev)
	})

	t.Run("should call garbage malformed", func(t *testing.T) {
		_, _, err := codec.Decode([]byte("<xml><a>"), http.Header{})
		assert.ErrorIs(t, err, domain.ErrMalformedNotification)
		_, _, err = codec.Decode([]byte("   "), http.Header{})
		assert.ErrorIs(t, err, domain.ErrMalformedNotification)
	})
}

func TestCodec_DecodeJSON(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 30, 0, 0, time.UTC)
	codec := NewCodec(testSecret, shanghai)
	codec.now = func() time.Time { return now }

	body := []byte(`{"id":"evt-1","event_type":"TRANSACTION.SUCCESS","resource":{` +
		`"out_trade_no":"01J9ZQ3V6T0000000000000000","transaction_id":"4200","trade_state":"SUCCESS",` +
		`"amount":{"total":2990,"payer_total":2990,"currency":"CNY"},"success_time":"2026-10-14T18:29:58+08:00"}}`)

	t.Run("should decode a signed success", func(t *testing.T) {
		h := SignedHeader(testSecret, body, now)
		ev, enc, err := codec.Decode(body, h)
		require.NoError(t, err)
		assert.Equal(t, adapter.EncodingJSON, enc)
		assert.Equal(t, model.OutcomeSuccess, ev.Outcome)
		assert.Equal(t, int64(2990), *ev.AmountPaid)
		assert.Equal(t, "4200", *ev.TransactionID)
	})

	t.Run("should reject a modified body", func(t *testing.T) {
		h := SignedHeader(testSecret, body, now)
		tampered := []byte(strings.Replace(string(body), "2990", "2991", 1))
		_, _, err := codec.Decode(tampered, h)
		assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	})

	t.Run("should reject replays outside the window", func(t *testing.T) {
		h := SignedHeader(testSecret, body, now.Add(-6*time.Minute))
		_, _, err := codec.Decode(body, h)
		assert.ErrorIs(t, err, domain.ErrVerificationFailed)

		h = SignedHeader(testSecret, body, now.Add(-4*time.Minute))
		_, _, err = codec.Decode(body, h)
		assert.NoError(t, err)
	})

	t.Run("should reject a missing signature", func(t *testing.T) {
		_, _, err := codec.Decode(body, http.Header{"Content-Type": {"application/json"}})
		assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	})

	t.Run("should map closed trades to failure", func(t *testing.T) {
		closed := []byte(`{"resource":{"out_trade_no":"o-1","trade_state":"CLOSED"}}`)
		ev, _, err := codec.Decode(closed, SignedHeader(testSecret, closed, now))
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeFailure, ev.Outcome)
		assert.Equal(t, "closed", *ev.FailureReason)
	})

	t.Run("should ignore unpaid states in a push", func(t *testing.T) {
		for _, state := range []string{"NOTPAY", "USERPAYING"} {
			unpaid := []byte(`{"resource":{"out_trade_no":"o-1","trade_state":"` + state + `"}}`)
			ev, _, err := codec.Decode(unpaid, SignedHeader(testSecret, unpaid, now))
			assert.ErrorIs(t, err, domain.ErrNotificationIgnored, state)
			assert.NotErrorIs(t, err, domain.ErrMalformedNotification, state)
			assert.Nil(t, ev)
		}
	})

	t.Run("should still verify before ignoring", func(t *testing.T) {
		unpaid := []byte(`{"resource":{"out_trade_no":"o-1","trade_state":"NOTPAY"}}`)
		_, _, err := codec.Decode(unpaid, SignedHeader("another-secret", unpaid, now))
		assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	})
}

func TestCodec_Ack(t *testing.T) {
	codec := NewCodec(testSecret, nil)

	ct, body := codec.Ack(adapter.EncodingJSON, false, "bad signature")
	assert.Contains(t, ct, "application/json")
	var ack jsonAck
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "FAIL", ack.Code)
	assert.Equal(t, "bad signature", ack.Message)

	ct, body = codec.Ack(adapter.EncodingXML, true, "")
	assert.Contains(t, ct, "xml")
	assert.Equal(t, "<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>", string(body))
}

func TestSandbox_NotificationsVerify(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox(testSecret, shanghai)
	codec := NewCodec(testSecret, shanghai)

	_, err := sb.CreateOrder(ctx, adapter.OrderRequest{OrderID: "o-1", Amount: 990, Currency: "CNY"})
	require.NoError(t, err)

	ev, err := sb.QueryStatus(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, ev.Outcome)

	_, _, err = sb.Notification("o-1", adapter.EncodingJSON)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	require.NoError(t, sb.Settle("o-1"))
	for _, enc := range []adapter.Encoding{adapter.EncodingJSON, adapter.EncodingXML} {
		body, h, err := sb.Notification("o-1", enc)
		require.NoError(t, err)
		got, gotEnc, err := codec.Decode(body, h)
		require.NoError(t, err, string(enc))
		assert.Equal(t, enc, gotEnc)
		assert.Equal(t, model.OutcomeSuccess, got.Outcome)
		assert.Equal(t, int64(990), *got.AmountPaid)
	}

	sb.SetLatency(time.Second)
	qctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = sb.QueryStatus(qctx, "o-1")
	assert.ErrorIs(t, err, domain.ErrTransientGateway)
}
