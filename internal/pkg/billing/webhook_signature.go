package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	polarSecretPrefix    = "whsec_"
	polarSignaturePrefix = "v1,"

	// Maximum allowed clock skew between the webhook-timestamp header and
	// local time. Deliveries outside this window are rejected even when the
	// signature itself matches.
	polarTimestampTolerance = 5 * time.Minute
)

// PolarWebhookHeaders carries the three Standard-Webhooks headers Polar
// attaches to every delivery.
type PolarWebhookHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// VerifyPolarWebhookSignature checks a Polar webhook delivery against the
// shared secret. Polar follows the Standard Webhooks scheme: the signature
// is HMAC-SHA256 over "id.timestamp.body" with the base64-decoded secret,
// and the signature header may list several space-separated "v1,<base64>"
// candidates after key rotation.
func VerifyPolarWebhookSignature(payload []byte, headers PolarWebhookHeaders, webhookSecret string) bool {
	id := strings.TrimSpace(headers.ID)
	ts := strings.TrimSpace(headers.Timestamp)
	sigHeader := strings.TrimSpace(headers.Signature)
	secret := strings.TrimSpace(webhookSecret)
	if id == "" || ts == "" || sigHeader == "" || secret == "" {
		return false
	}

	if !timestampWithinTolerance(ts, time.Now()) {
		return false
	}

	key, err := decodePolarSecret(secret)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, ts)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range strings.Fields(sigHeader) {
		raw := strings.TrimPrefix(candidate, polarSignaturePrefix)
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return true
		}
	}
	return false
}

func decodePolarSecret(secret string) ([]byte, error) {
	trimmed := strings.TrimPrefix(secret, polarSecretPrefix)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded, nil
	}
	// Secrets configured without base64 encoding are used verbatim.
	return []byte(trimmed), nil
}

func timestampWithinTolerance(ts string, now time.Time) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	delta := now.Sub(time.Unix(unix, 0))
	if delta < 0 {
		delta = -delta
	}
	return delta <= polarTimestampTolerance
}
