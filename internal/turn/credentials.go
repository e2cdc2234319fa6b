// Package turn issues relay credentials, runs the optional embedded TURN
// relay and assembles the ICE server list handed to clients.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var errBadUsername = errors.New("username must be <expiry>:<userId>")

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TTL      int64  `json:"ttl"`
}

// GenerateCredentials issues REST-style TURN credentials valid for ttl.
func GenerateCredentials(userID, secret string, ttl time.Duration, now time.Time) Credentials {
	username := strconv.FormatInt(now.Add(ttl).Unix(), 10) + ":" + userID
	return Credentials{
		Username: username,
		Password: password(secret, username),
		TTL:      int64(ttl.Seconds()),
	}
}

func password(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func parseUsername(username string) (time.Time, string, error) {
	ts, userID, ok := strings.Cut(username, ":")
	if !ok || userID == "" {
		return time.Time{}, "", errBadUsername
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", errBadUsername
	}
	return time.Unix(sec, 0), userID, nil
}
