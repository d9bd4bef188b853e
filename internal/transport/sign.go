// Package transport commits drained push tasks: onto NSQ for the push
// worker, or straight to the client over signed HTTP.
package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-HarborPush-Signature" // sha256=<hex>
	TimestampHeader = "X-HarborPush-Timestamp" // unix seconds
)

var (
	ErrMissingHeaders    = errors.New("missing signature headers")
	ErrBadTimestamp      = errors.New("invalid timestamp")
	ErrStaleTimestamp    = errors.New("timestamp outside leeway")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Sign returns the signature header value: HMAC-SHA256 over body||ts
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign and rejects timestamps more
// than leeway away from now.
func Verify(secret string, body []byte, ts, sig string, leeway time.Duration) error {
	return verifyAt(secret, body, ts, sig, leeway, time.Now())
}

func verifyAt(secret string, body []byte, ts, sig string, leeway time.Duration, now time.Time) error {
	if ts == "" || sig == "" {
		return ErrMissingHeaders
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	skew := now.Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return ErrStaleTimestamp
	}
	if !strings.HasPrefix(sig, "sha256=") {
		return ErrSignatureMismatch
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(secret, body, ts))) {
		return ErrSignatureMismatch
	}
	return nil
}
