package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateSecret creates a new webhook secret prefixed with "whsec_".
func GenerateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "whsec_" + hex.EncodeToString(b)
}

// SignPayload signs a delivery body with the subscription secret.
// Returns "t=<unix_ts>,sha256=<hex_sig>"; the timestamp is part of the
// signed payload so replays outside the receiver's window can be rejected.
func SignPayload(body []byte, secret string) string {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,sha256=%s", timestamp, sig)
}
