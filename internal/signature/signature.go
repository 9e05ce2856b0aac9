// Package signature verifies the X-Hub-Signature-256 header the platform
// attaches to webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header is the request header carrying the delivery signature.
const Header = "X-Hub-Signature-256"

const prefix = "sha256="

// Verify reports whether header carries the HMAC-SHA256 of body keyed with
// secret. A missing header, a missing prefix, malformed hex or a digest of the
// wrong length all yield false.
func Verify(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	// hmac.Equal is constant time and returns false on a length mismatch.
	return hmac.Equal(got, sign(body, secret))
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
