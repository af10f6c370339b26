package payment

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	SignTypeMD5        = "MD5"
	SignTypeHMACSHA256 = "HMAC-SHA256"

	HeaderTimestamp = "X-Pay-Timestamp"
	HeaderNonce     = "X-Pay-Nonce"
	HeaderSignature = "X-Pay-Signature"
	HeaderSerial    = "X-Pay-Serial"
)

// canonicalFields joins every non-empty field except sign as sorted k=v
// pairs and appends the merchant key.
func canonicalFields(fields map[string]string, secret string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	b.WriteString("&key=")
	b.WriteString(secret)
	return b.String()
}

// SignFields computes the legacy XML signature: uppercase hex MD5, or
// HMAC-SHA256 keyed with the secret when signType asks for it.
func SignFields(fields map[string]string, secret, signType string) string {
	s := canonicalFields(fields, secret)
	if strings.EqualFold(signType, SignTypeHMACSHA256) {
		m := hmac.New(sha256.New, []byte(secret))
		m.Write([]byte(s))
		return strings.ToUpper(hex.EncodeToString(m.Sum(nil)))
	}
	sum := md5.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// VerifyFields checks the sign field of a legacy notification in constant time.
func VerifyFields(fields map[string]string, secret string) bool {
	got := strings.ToUpper(fields["sign"])
	if got == "" {
		return false
	}
	want := SignFields(fields, secret, fields["sign_type"])
	return hmac.Equal([]byte(got), []byte(want))
}

// SignMessage computes the JSON-era signature: base64 HMAC-SHA256 over
// "timestamp\nnonce\nbody\n".
func SignMessage(secret, timestamp, nonce string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(timestamp + "\n" + nonce + "\n"))
	m.Write(body)
	m.Write([]byte("\n"))
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// VerifyMessage checks a JSON-era signature in constant time.
func VerifyMessage(secret, timestamp, nonce string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	want := SignMessage(secret, timestamp, nonce, body)
	return hmac.Equal([]byte(signature), []byte(want))
}
