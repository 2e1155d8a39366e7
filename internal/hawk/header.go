// Package hawk authenticates requests signed with a MAC credential
// issued by the token authority. The header carries the token key, a
// millisecond timestamp, a client nonce and a base64 HMAC over a
// canonical description of the request.
package hawk

import (
	"fmt"
	"strconv"
	"strings"

	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
)

// Scheme is the Authorization scheme name.
const Scheme = "Hawk"

// Credential is a parsed Authorization header.
type Credential struct {
	ID        string
	Timestamp int64
	Nonce     string
	MAC       string
	Hash      string
	Ext       string
}

var knownAttrs = map[string]bool{"id": true, "ts": true, "nonce": true, "mac": true, "ext": true, "hash": true}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", autherrors.ErrMalformedCredential, fmt.Sprintf(format, args...))
}

// ParseHeader parses `Hawk id="...", ts="...", nonce="...", mac="..."`
// with optional hash and ext attributes. A payload hash is covered by
// the MAC as sent; the body itself is not rehashed.
func ParseHeader(value string) (*Credential, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return nil, malformed("not a %s header", Scheme)
	}

	attrs := make(map[string]string, 5)
	for rest = strings.TrimSpace(rest); rest != ""; {
		name, after, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, malformed("attribute without value")
		}
		name = strings.TrimSpace(name)
		if !knownAttrs[name] {
			return nil, malformed("unknown attribute %q", name)
		}
		if _, dup := attrs[name]; dup {
			return nil, malformed("duplicate attribute %q", name)
		}
		after = strings.TrimLeft(after, " ")
		if !strings.HasPrefix(after, `"`) {
			return nil, malformed("attribute value must be quoted")
		}
		v, tail, ok := strings.Cut(after[1:], `"`)
		if !ok {
			return nil, malformed("unterminated attribute value")
		}
		if strings.Contains(v, `\`) {
			return nil, malformed("attribute value contains reserved characters")
		}
		attrs[name] = v

		tail = strings.TrimLeft(tail, " ")
		if tail != "" && tail[0] != ',' {
			return nil, malformed("expected comma after %s", name)
		}
		rest = strings.TrimLeft(strings.TrimPrefix(tail, ","), " ")
	}

	for _, req := range []string{"id", "ts", "nonce", "mac"} {
		if attrs[req] == "" {
			return nil, malformed("missing %s", req)
		}
	}

	ts, err := strconv.ParseInt(attrs["ts"], 10, 64)
	if err != nil || ts <= 0 {
		return nil, malformed("bad timestamp")
	}

	return &Credential{
		ID:        attrs["id"],
		Timestamp: ts,
		Nonce:     attrs["nonce"],
		MAC:       attrs["mac"],
		Hash:      attrs["hash"],
		Ext:       attrs["ext"],
	}, nil
}

// Header formats c as an Authorization header value.
func (c *Credential) Header() string {
	var b strings.Builder
	fmt.Fprintf(&b, `%s id="%s", ts="%d", nonce="%s"`, Scheme, c.ID, c.Timestamp, c.Nonce)
	if c.Hash != "" {
		fmt.Fprintf(&b, `, hash="%s"`, c.Hash)
	}
	fmt.Fprintf(&b, `, mac="%s"`, c.MAC)
	if c.Ext != "" {
		fmt.Fprintf(&b, `, ext="%s"`, c.Ext)
	}
	return b.String()
}
