package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"testing"
	"time"
)

func signPolarPayload(t *testing.T, key []byte, id, ts string, payload []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, ts)
	mac.Write(payload)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyPolarWebhookSignature(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	payload := []byte(`{"type":"subscription.updated"}`)
	id := "msg_2f9a"
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	headers := PolarWebhookHeaders{
		ID:        id,
		Timestamp: ts,
		Signature: signPolarPayload(t, key, id, ts, payload),
	}
	if !VerifyPolarWebhookSignature(payload, headers, secret) {
		t.Fatalf("expected valid signature to verify")
	}

	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] = 'x'
	if VerifyPolarWebhookSignature(tampered, headers, secret) {
		t.Fatalf("expected tampered payload to fail verification")
	}

	headers.Signature = "v1,AAAA" + headers.Signature[7:]
	if VerifyPolarWebhookSignature(payload, headers, secret) {
		t.Fatalf("expected wrong signature to fail verification")
	}
}

func TestVerifyPolarWebhookSignature_MultipleCandidates(t *testing.T) {
	key := []byte("another-32-byte-signing-key-....")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	payload := []byte(`{"type":"order.created"}`)
	id := "msg_rotated"
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	valid := signPolarPayload(t, key, id, ts, payload)
	stale := signPolarPayload(t, []byte("an-old-rotated-out-signing-key.."), id, ts, payload)

	headers := PolarWebhookHeaders{
		ID:        id,
		Timestamp: ts,
		Signature: stale + " " + valid,
	}
	if !VerifyPolarWebhookSignature(payload, headers, secret) {
		t.Fatalf("expected any matching candidate in the header list to verify")
	}
}

func TestVerifyPolarWebhookSignature_StaleTimestamp(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	payload := []byte(`{}`)
	id := "msg_old"
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	headers := PolarWebhookHeaders{
		ID:        id,
		Timestamp: ts,
		Signature: signPolarPayload(t, key, id, ts, payload),
	}
	if VerifyPolarWebhookSignature(payload, headers, secret) {
		t.Fatalf("expected delivery outside the timestamp tolerance to fail")
	}
}

func TestVerifyPolarWebhookSignature_MissingInputs(t *testing.T) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if VerifyPolarWebhookSignature([]byte("{}"), PolarWebhookHeaders{ID: "x", Timestamp: ts, Signature: "v1,AAAA"}, "") {
		t.Fatalf("expected empty secret to fail")
	}
	if VerifyPolarWebhookSignature([]byte("{}"), PolarWebhookHeaders{Timestamp: ts, Signature: "v1,AAAA"}, "whsec_abc") {
		t.Fatalf("expected missing id header to fail")
	}
}

func TestVerifyPolarWebhookSignature_VerbatimSecret(t *testing.T) {
	// Secrets that are not valid base64 are used verbatim.
	secretRaw := "!!not-base64!!"
	payload := []byte(`{"ok":true}`)
	id := "msg_verbatim"
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	headers := PolarWebhookHeaders{
		ID:        id,
		Timestamp: ts,
		Signature: signPolarPayload(t, []byte(secretRaw), id, ts, payload),
	}
	if !VerifyPolarWebhookSignature(payload, headers, "whsec_"+secretRaw) {
		t.Fatalf("expected verbatim secret fallback to verify")
	}
}
