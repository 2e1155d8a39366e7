package hawk

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Request is the transport-independent view of an inbound request.
type Request struct {
	Authorization string
	Method        string
	URI           string
	Host          string
	Port          int

	// Used only for security event logging.
	RemoteAddr string
	RequestID  string
}

// RequestFromHTTP extracts the signed request properties. The port
// defaults from the scheme when the Host header carries none.
func RequestFromHTTP(r *http.Request) Request {
	host, port := SplitHostPort(r.Host, r.TLS != nil)
	return Request{
		Authorization: r.Header.Get("Authorization"),
		Method:        r.Method,
		URI:           r.URL.RequestURI(),
		Host:          host,
		Port:          port,
		RemoteAddr:    remoteIP(r.RemoteAddr),
		RequestID:     middleware.GetReqID(r.Context()),
	}
}

// SplitHostPort splits a Host header value.
func SplitHostPort(hostport string, tls bool) (string, int) {
	port := 80
	if tls {
		port = 443
	}
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]"), port
	}
	if n, err := strconv.Atoi(p); err == nil {
		port = n
	}
	return h, port
}

func remoteIP(addr string) string {
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}
