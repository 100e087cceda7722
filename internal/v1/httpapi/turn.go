package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// turnCredentialTTL is the lifetime of a minted TURN username/password pair.
// Clients re-fetch with their relay token when it runs out.
const turnCredentialTTL = time.Hour

type turnCredentials struct {
	URIs     []string `json:"uris"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
}

// buildTurnCredentials assembles TURN-REST ephemeral credentials: the
// username carries the expiry timestamp and the password is the HMAC-SHA1 of
// the username under the shared secret, which the relay recomputes.
func buildTurnCredentials(host, secret string) turnCredentials {
	expiry := time.Now().Add(turnCredentialTTL).Unix()
	username := fmt.Sprintf("%d:serenada", expiry)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return turnCredentials{
		URIs: []string{
			"stun:" + host + ":3478",
			"turn:" + host + ":3478?transport=udp",
			"turn:" + host + ":3478?transport=tcp",
			"turns:" + host + ":5349?transport=tcp",
		},
		Username: username,
		Password: password,
		TTL:      int64(turnCredentialTTL / time.Second),
	}
}
