package websocket

import (
	"crypto/sha256"
	"encoding/hex"
)

const clientIDLength = 10

// ClientID fingerprints a client from its address and user agent. The same
// client keeps its id across reconnects until either changes.
func ClientID(ip, userAgent, salt string) string {
	sum := sha256.Sum256([]byte(ip + userAgent + salt))
	return hex.EncodeToString(sum[:])[:clientIDLength]
}
