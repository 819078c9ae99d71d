// Package webhooks ingests signed push notifications from external
// platforms, verifies them over the raw payload bytes and fans the
// parsed events out to the session layer.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// Signature algorithms accepted from provider configuration.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA1   = "sha1"
)

// ComputeHMAC returns the hex HMAC digest of payload under secret.
func ComputeHMAC(secret, payload []byte, algo string) (string, error) {
	var mk func() hash.Hash
	switch algo {
	case AlgoSHA256:
		mk = sha256.New
	case AlgoSHA1:
		mk = sha1.New
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", algo)
	}
	mac := hmac.New(mk, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC checks a hex HMAC signature over payload, tolerating an
// algorithm prefix like "sha256=". The comparison is constant time.
func VerifyHMAC(signature string, secret, payload []byte, algo string) bool {
	signature = strings.TrimPrefix(signature, algo+"=")
	want, err := ComputeHMAC(secret, payload, algo)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(want))
}

// VerifyToken compares a shared-secret header token in constant time.
func VerifyToken(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

// stripeTolerance bounds how old a Stripe signature timestamp may be.
const stripeTolerance = 5 * time.Minute

// VerifyStripe checks a Stripe-Signature header of the form
// "t=<unix>,v1=<hex>[,v1=...]" against payload. The signed message is
// "<t>.<payload>" and any v1 entry may match.
func VerifyStripe(header string, secret, payload []byte, now time.Time) error {
	var ts int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("bad timestamp in signature header")
			}
			ts = n
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return fmt.Errorf("signature header missing t or v1")
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > stripeTolerance || age < -stripeTolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	signed := strconv.FormatInt(ts, 10) + "." + string(payload)
	want, err := ComputeHMAC(secret, []byte(signed), AlgoSHA256)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if hmac.Equal([]byte(strings.ToLower(c)), []byte(want)) {
			return nil
		}
	}
	return fmt.Errorf("no v1 signature matched")
}
