package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tomnagengast/revurb/internal/domain"
)

// VerifySubscriptionAuth checks a private/presence/encrypted subscribe auth
// token against the application secret, per spec.md §4.2:
//
//	sig_string = socket_id + ":" + channel_name [+ ":" + channel_data]
//	expected   = hex(HMAC-SHA256(secret, sig_string))
//	auth       = "<app_key>:<hex-signature>"
//
// Only the portion of auth after the last ":" participates in the
// comparison, and the comparison is constant-time: a length mismatch still
// runs a dummy compare so the call takes the same time as a real one.
func VerifySubscriptionAuth(app domain.Application, socketID, channelName, auth, channelData string) bool {
	sigString := socketID + ":" + channelName
	if channelData != "" {
		sigString += ":" + channelData
	}
	return verifyHexHMAC(app.Secret, sigString, lastColonSuffix(auth))
}

// lastColonSuffix returns the substring of s after its final ":",
// or s itself if it contains no ":".
func lastColonSuffix(s string) string {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// verifyHexHMAC compares providedHex against hex(HMAC-SHA256(secret, msg))
// in constant time. A malformed (non-hex or wrong-length) providedHex still
// performs a full-length dummy comparison so the failure path costs the
// same as the success path, preserving timing neutrality.
func verifyHexHMAC(secret, msg, providedHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	expected := mac.Sum(nil)
	expectedHex := hex.EncodeToString(expected)

	if len(providedHex) != len(expectedHex) {
		// Dummy compare against a same-length copy of expectedHex so this
		// branch's cost matches the branch below.
		hmac.Equal([]byte(expectedHex), []byte(expectedHex))
		return false
	}
	return hmac.Equal([]byte(expectedHex), []byte(providedHex))
}
