package pubsub

import (
	"bytes"
	"testing"

	"scrambler/internal/auth"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	frame := encodeEnvelope("cluster", "alpha", "deadbeef", payload)

	topic, origin, digest, got, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if topic != "cluster" || origin != "alpha" || digest != "deadbeef" {
		t.Fatalf("decoded header mismatch: %q %q %q", topic, origin, digest)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("decoded payload = %q, want %q", got, payload)
	}
}

func TestDecodeEnvelopeRejectsTruncated(t *testing.T) {
	frame := encodeEnvelope("cluster", "alpha", "deadbeef", []byte("{}"))

	if _, _, _, _, err := decodeEnvelope(frame[:len(frame)-3]); err == nil {
		t.Fatal("expected error decoding a truncated envelope")
	}
	if _, _, _, _, err := decodeEnvelope(nil); err == nil {
		t.Fatal("expected error decoding an empty envelope")
	}
}

func TestForgedOriginFailsVerification(t *testing.T) {
	a := auth.New([]byte("cluster-secret"), "alpha")
	frame := encodeEnvelope("cluster", "mallory", a.Digest(), []byte(`{}`))

	_, origin, digest, _, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if a.Verify(digest, origin) {
		t.Fatal("a tag computed for alpha must not verify for origin mallory")
	}
}
