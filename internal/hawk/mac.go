package hawk

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // hmac-sha-1 is accepted for older clients
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
)

// MAC algorithm identifiers stored on tokens.
const (
	AlgorithmSHA256 = "hmac-sha-256"
	AlgorithmSHA1   = "hmac-sha-1"
)

const headerVersion = "hawk.1.header"

// Artifacts are the request properties covered by the MAC.
type Artifacts struct {
	Method    string
	URI       string
	Host      string
	Port      int
	Timestamp int64
	Nonce     string
	Hash      string
	Ext       string
}

// NormalizedString returns the canonical signing string. Each field is
// terminated by a newline.
func NormalizedString(a Artifacts) string {
	var b strings.Builder
	for _, field := range []string{
		headerVersion,
		strconv.FormatInt(a.Timestamp, 10),
		a.Nonce,
		strings.ToUpper(a.Method),
		a.URI,
		strings.ToLower(a.Host),
		strconv.Itoa(a.Port),
		a.Hash,
		a.Ext,
	} {
		b.WriteString(field)
		b.WriteByte('\n')
	}
	return b.String()
}

// SupportedAlgorithm reports whether alg can be used for MACs.
func SupportedAlgorithm(alg string) bool {
	_, err := hashFunc(alg)
	return err == nil
}

func hashFunc(alg string) (func() hash.Hash, error) {
	switch alg {
	case AlgorithmSHA256, "":
		return sha256.New, nil
	case AlgorithmSHA1:
		return sha1.New, nil
	}
	return nil, fmt.Errorf("unsupported MAC algorithm %q", alg)
}

// ComputeMAC returns base64(HMAC(secret, NormalizedString(a))).
func ComputeMAC(alg, secret string, a Artifacts) (string, error) {
	h, err := hashFunc(alg)
	if err != nil {
		return "", err
	}
	m := hmac.New(h, []byte(secret))
	m.Write([]byte(NormalizedString(a)))
	return base64.StdEncoding.EncodeToString(m.Sum(nil)), nil
}

// verifyMAC compares in constant time.
func verifyMAC(alg, secret, supplied string, a Artifacts) error {
	expected, err := ComputeMAC(alg, secret, a)
	if err != nil {
		return fmt.Errorf("%w: %v", autherrors.ErrInvalidToken, err)
	}
	if !hmac.Equal([]byte(expected), []byte(supplied)) {
		return autherrors.ErrInvalidSignature
	}
	return nil
}
