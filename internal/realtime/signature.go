package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the "key:signature" string that authorizes socketID to join
// channel.
func Sign(key, secret, socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketID + ":" + channel))
	return key + ":" + hex.EncodeToString(mac.Sum(nil))
}

func Verify(key, secret, socketID, channel, auth string) bool {
	k, _, ok := strings.Cut(auth, ":")
	if !ok || k != key {
		return false
	}
	return hmac.Equal([]byte(auth), []byte(Sign(key, secret, socketID, channel)))
}
