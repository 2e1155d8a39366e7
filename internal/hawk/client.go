package hawk

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// ClientCredentials are what a client holds after issuance.
type ClientCredentials struct {
	ID        string
	Key       string
	Algorithm string
}

// NewNonce returns a random nonce suitable for one request.
func NewNonce() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Sign builds the Authorization header for a request.
func Sign(creds ClientCredentials, method, uri, host string, port int, at time.Time, nonce, ext string) (string, error) {
	a := Artifacts{
		Method:    method,
		URI:       uri,
		Host:      host,
		Port:      port,
		Timestamp: at.UnixMilli(),
		Nonce:     nonce,
		Ext:       ext,
	}
	mac, err := ComputeMAC(creds.Algorithm, creds.Key, a)
	if err != nil {
		return "", err
	}
	c := Credential{ID: creds.ID, Timestamp: a.Timestamp, Nonce: nonce, MAC: mac, Ext: ext}
	return c.Header(), nil
}
