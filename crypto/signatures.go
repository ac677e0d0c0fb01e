package crypto

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Freshness signatures are not general-purpose digital signatures. They prove
// "I currently hold the cluster key" by encrypting an (id, timestamp) pair;
// anyone holding the same key can decrypt and check the timestamp window.
const (
	// FreshnessPastWindow bounds how old a signature timestamp may be.
	FreshnessPastWindow = 60 * time.Second
	// FreshnessFutureWindow bounds how far ahead of the local clock a
	// signature timestamp may be.
	FreshnessFutureWindow = 10 * time.Second
)

// SignFreshness builds a replay-bounded proof of live cluster-key possession
// for the given peer id.
func SignFreshness(key []byte, id string) (string, error) {
	payload := fmt.Sprintf("%s:%d", id, time.Now().Unix())
	blob, err := Encrypt(key, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("sign freshness payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// VerifyFreshness reports whether signature decrypts under key to the given
// id with a timestamp inside the allowed clock-skew window. Any decode,
// decrypt, or parse failure verifies false.
func VerifyFreshness(key []byte, id, signature string) bool {
	blob, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	plaintext, err := Decrypt(key, blob)
	if err != nil {
		return false
	}

	payload := string(plaintext)
	sep := strings.LastIndex(payload, ":")
	if sep < 0 || payload[:sep] != id {
		return false
	}
	ts, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return false
	}

	return withinFreshnessWindow(ts, time.Now())
}

// NewFreshnessToken mints a short-lived proof of cluster-key possession with
// no id bound to it, used to authenticate file streams.
func NewFreshnessToken(key []byte) (string, error) {
	payload := strconv.FormatInt(time.Now().Unix(), 10)
	blob, err := Encrypt(key, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("mint freshness token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// VerifyFreshnessToken reports whether token decrypts under key to a
// timestamp inside the allowed clock-skew window.
func VerifyFreshnessToken(key []byte, token string) bool {
	blob, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	plaintext, err := Decrypt(key, blob)
	if err != nil {
		return false
	}
	ts, err := strconv.ParseInt(string(plaintext), 10, 64)
	if err != nil {
		return false
	}

	return withinFreshnessWindow(ts, time.Now())
}

func withinFreshnessWindow(ts int64, now time.Time) bool {
	age := now.Unix() - ts
	return age <= int64(FreshnessPastWindow/time.Second) && -age <= int64(FreshnessFutureWindow/time.Second)
}
