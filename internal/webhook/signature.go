package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature       = errors.New("missing signature header")
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrInvalidReplaySecret    = errors.New("invalid replay secret")
)

// SignatureWindow bounds how stale a signed timestamp may be. Anything
// outside the window is rejected to limit signature replay.
const SignatureWindow = 5 * time.Minute

// SignatureInput carries everything needed to verify a provider call
type SignatureInput struct {
	Secret          string
	TimestampHeader string
	SignatureHeader string
	Body            []byte
	Now             time.Time
}

// VerifySignature checks the provider HMAC over "<timestamp>.<body>".
// The body must be the raw request bytes, unmodified; parsing happens
// only after verification succeeds.
func VerifySignature(in SignatureInput) error {
	tsHeader := strings.TrimSpace(in.TimestampHeader)
	sigHeader := strings.TrimSpace(in.SignatureHeader)

	if sigHeader == "" {
		return ErrMissingSignature
	}

	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(tsInt, 0).UTC()

	now := in.Now.UTC()
	if ts.Before(now.Add(-SignatureWindow)) || ts.After(now.Add(SignatureWindow)) {
		return ErrTimestampOutsideWindow
	}

	providedSig, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	expectedSig := computeSignature(in.Secret, tsHeader, in.Body)

	if !hmac.Equal(providedSig, expectedSig) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyReplaySecret authenticates an internal operator replay. This is
// a separate trust path from provider signatures: the stored payload
// cannot be re-signed, so replays carry a distinct internal credential.
func VerifyReplaySecret(provided, expected string) error {
	if expected == "" {
		return ErrInvalidReplaySecret
	}

	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return ErrInvalidReplaySecret
	}
	return nil
}

// SignPayload computes the hex signature for "<timestamp>.<body>".
// Used by tests, tooling, and the replay client.
func SignPayload(secret, timestampHeader string, body []byte) string {
	return hex.EncodeToString(computeSignature(secret, timestampHeader, body))
}

func computeSignature(secret, timestampHeader string, body []byte) []byte {
	msg := make([]byte, 0, len(timestampHeader)+1+len(body))
	msg = append(msg, []byte(timestampHeader)...)
	msg = append(msg, '.')
	msg = append(msg, body...)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil)
}
