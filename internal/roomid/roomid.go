package roomid

import (
	"crypto/rand"
	"encoding/base64"
)

// New returns an unguessable URL-safe room id. 12 random bytes encode to a
// 16-character token, which is the only thing guarding a room.
func New() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
