package smtppool

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// randBoundary returns a short random hex string for a MIME boundary.
func randBoundary() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}

// base64Wrap encodes data and wraps it at 76 columns, the line length
// RFC 2045 requires for base64 body parts.
func base64Wrap(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out []byte
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		out = append(out, encoded[i:end]...)
		out = append(out, '\n')
	}
	return string(out)
}
