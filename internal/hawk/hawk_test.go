package hawk

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/token-authority/internal/clock"
	autherrors "github.com/alexjbarnes/token-authority/internal/errors"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/models"
	"github.com/alexjbarnes/token-authority/internal/nonce"
	"github.com/alexjbarnes/token-authority/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testWindow = time.Minute

type recordedEvents struct {
	mu     sync.Mutex
	events []logging.SecurityEvent
}

func (r *recordedEvents) hook(_ context.Context, ev logging.SecurityEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordedEvents) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Reason)
	}
	return out
}

type fixture struct {
	auth   *Authenticator
	store  *store.MemoryStore
	clock  *clock.Manual
	events *recordedEvents
	creds  ClientCredentials
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore()
	tok := &models.Token{
		Type:         models.TokenAccess,
		Key:          "access-key-0001",
		Secret:       "werxhqb98rpaxn39848xrunpaw3489ruxnpa98w4rxn",
		MACAlgorithm: AlgorithmSHA256,
		ClientID:     "client-1",
		Subject:      "alice",
		IssuedAt:     clk.Now().Unix(),
		Lifetime:     3600,
		Scopes:       []string{"read"},
	}
	require.NoError(t, s.Create(context.Background(), tok))

	events := &recordedEvents{}
	v := nonce.NewVerifier(s, nonce.WithClock(clk))
	a := NewAuthenticator(s, v, Config{Clock: clk, Security: events.hook})
	return &fixture{
		auth:   a,
		store:  s,
		clock:  clk,
		events: events,
		creds:  ClientCredentials{ID: tok.Key, Key: tok.Secret, Algorithm: tok.MACAlgorithm},
	}
}

func (f *fixture) request(t *testing.T, nonceValue string) Request {
	t.Helper()
	header, err := Sign(f.creds, "GET", "/resource/1?b=1&a=2", "Example.com", 8000, f.clock.Now(), nonceValue, "some-app-data")
	require.NoError(t, err)
	return Request{Authorization: header, Method: "GET", URI: "/resource/1?b=1&a=2", Host: "example.com", Port: 8000}
}

// --- Header parsing ---

func TestParseHeader(t *testing.T) {
	c, err := ParseHeader(`Hawk id="dh37fgj492je", ts="1353832234000", nonce="j4h3g2", mac="6R4rV5iE+NPoym+WwjeHzjAGXUtLNIxmo1vpMofpLAE=", ext="a, b=c"`)
	require.NoError(t, err)
	assert.Equal(t, "dh37fgj492je", c.ID)
	assert.Equal(t, int64(1353832234000), c.Timestamp)
	assert.Equal(t, "j4h3g2", c.Nonce)
	assert.Equal(t, "6R4rV5iE+NPoym+WwjeHzjAGXUtLNIxmo1vpMofpLAE=", c.MAC)
	assert.Equal(t, "a, b=c", c.Ext)
}

func TestParseHeader_RoundTrip(t *testing.T) {
	for _, in := range []*Credential{
		{ID: "k", Timestamp: 42, Nonce: "n", MAC: "m", Ext: "x"},
		{ID: "k", Timestamp: 42, Nonce: "n", MAC: "m", Hash: "Yi9LfIIFRtBEPt74PVmbTF/xVAwPn7ub15ePICfgnuY="},
	} {
		out, err := ParseHeader(in.Header())
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestParseHeader_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"bearer", "Bearer abc"},
		{"missing mac", `Hawk id="a", ts="1", nonce="n"`},
		{"unquoted", `Hawk id=a, ts="1", nonce="n", mac="m"`},
		{"unterminated", `Hawk id="a, ts="1", nonce="n", mac="m`},
		{"unknown attr", `Hawk id="a", ts="1", nonce="n", mac="m", foo="bar"`},
		{"duplicate attr", `Hawk id="a", id="b", ts="1", nonce="n", mac="m"`},
		{"bad ts", `Hawk id="a", ts="soon", nonce="n", mac="m"`},
		{"backslash", `Hawk id="a\b", ts="1", nonce="n", mac="m"`},
		{"no comma", `Hawk id="a" ts="1", nonce="n", mac="m"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.header)
			assert.ErrorIs(t, err, autherrors.ErrMalformedCredential)
		})
	}
}

// --- Canonical string and MAC ---

func TestNormalizedString(t *testing.T) {
	got := NormalizedString(Artifacts{
		Method:    "get",
		URI:       "/resource/1?b=1&a=2",
		Host:      "Example.COM",
		Port:      8000,
		Timestamp: 1353832234000,
		Nonce:     "j4h3g2",
		Ext:       "some-app-ext-data",
	})
	want := "hawk.1.header\n1353832234000\nj4h3g2\nGET\n/resource/1?b=1&a=2\nexample.com\n8000\n\nsome-app-ext-data\n"
	assert.Equal(t, want, got)
}

func TestComputeMAC_Algorithms(t *testing.T) {
	a := Artifacts{Method: "GET", URI: "/", Host: "h", Port: 80, Timestamp: 1, Nonce: "n"}

	sha256MAC, err := ComputeMAC(AlgorithmSHA256, "secret", a)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sha256MAC)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	sha1MAC, err := ComputeMAC(AlgorithmSHA1, "secret", a)
	require.NoError(t, err)
	raw, err = base64.StdEncoding.DecodeString(sha1MAC)
	require.NoError(t, err)
	assert.Len(t, raw, 20)

	_, err = ComputeMAC("hmac-md5", "secret", a)
	assert.Error(t, err)
	assert.False(t, SupportedAlgorithm("hmac-md5"))
	assert.True(t, SupportedAlgorithm(AlgorithmSHA1))
}

// --- Authenticate ---

func TestAuthenticate_Valid(t *testing.T) {
	f := newFixture(t)
	ac, err := f.auth.Authenticate(context.Background(), f.request(t, "nonce-1"), testWindow)
	require.NoError(t, err)
	assert.Equal(t, "alice", ac.Subject)
	assert.Equal(t, "client-1", ac.ClientID)
	assert.Equal(t, []string{"read"}, ac.Scopes)
	assert.Empty(t, f.events.reasons())
}

func TestAuthenticate_FlippedMACKeepsNonceAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, "nonce-1")

	cred, err := ParseHeader(req.Authorization)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(cred.MAC)
	require.NoError(t, err)
	raw[0] ^= 0x01
	forged := *cred
	forged.MAC = base64.StdEncoding.EncodeToString(raw)
	bad := req
	bad.Authorization = forged.Header()

	_, err = f.auth.Authenticate(ctx, bad, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidSignature)

	_, err = f.auth.Authenticate(ctx, req, testWindow)
	require.NoError(t, err, "nonce must not be consumed by a forged request")

	assert.Equal(t, []string{string(autherrors.KindInvalidSignature)}, f.events.reasons())
}

func TestAuthenticate_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, "nonce-1")

	_, err := f.auth.Authenticate(ctx, req, testWindow)
	require.NoError(t, err)
	_, err = f.auth.Authenticate(ctx, req, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrDuplicateNonce)
	assert.Equal(t, []string{string(autherrors.KindDuplicateNonce)}, f.events.reasons())
}

func TestAuthenticate_StaleTimestamp(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, "nonce-1")
	f.clock.Advance(2 * testWindow)

	_, err := f.auth.Authenticate(context.Background(), req, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidTimestamp)
}

func TestAuthenticate_TamperedRequest(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, "nonce-1")
	req.Method = "DELETE"

	_, err := f.auth.Authenticate(context.Background(), req, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidSignature)
}

func TestAuthenticate_UnknownToken(t *testing.T) {
	f := newFixture(t)
	f.creds.ID = "nope"
	_, err := f.auth.Authenticate(context.Background(), f.request(t, "nonce-1"), testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidToken)
}

func TestAuthenticate_ExpiredTokenRemoved(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(2 * time.Hour)
	_, err := f.auth.Authenticate(context.Background(), f.request(t, "nonce-1"), testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidToken)

	tok, err := f.store.Get(context.Background(), f.creds.ID)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestAuthenticate_RefreshTokenNotAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &models.Token{
		Type: models.TokenRefresh, Key: "refresh-1", Secret: "s", ClientID: "client-1",
		IssuedAt: f.clock.Now().Unix(),
	}))
	f.creds = ClientCredentials{ID: "refresh-1", Key: "s", Algorithm: AlgorithmSHA256}
	_, err := f.auth.Authenticate(ctx, f.request(t, "nonce-1"), testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidToken)
}

func TestAuthenticate_StoreUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := store.NewMockTokenStore(ctrl)
	events := &recordedEvents{}
	a := NewAuthenticator(mock, nonce.NewVerifier(mock), Config{Security: events.hook})

	mock.EXPECT().Get(gomock.Any(), "k").Return(nil, autherrors.ErrStoreUnavailable)

	header := (&Credential{ID: "k", Timestamp: time.Now().UnixMilli(), Nonce: "n", MAC: "m"}).Header()
	_, err := a.Authenticate(context.Background(), Request{Authorization: header, Method: "GET", URI: "/"}, testWindow)
	assert.Equal(t, autherrors.KindStoreUnavailable, autherrors.KindOf(err))
	assert.Empty(t, events.reasons())
}

func TestAuthenticate_PayloadHashCoveredByMAC(t *testing.T) {
	f := newFixture(t)
	a := Artifacts{
		Method:    "POST",
		URI:       "/orders",
		Host:      "example.com",
		Port:      443,
		Timestamp: f.clock.Now().UnixMilli(),
		Nonce:     "hashed-1",
		Hash:      "Yi9LfIIFRtBEPt74PVmbTF/xVAwPn7ub15ePICfgnuY=",
	}
	mac, err := ComputeMAC(f.creds.Algorithm, f.creds.Key, a)
	require.NoError(t, err)
	cred := &Credential{ID: f.creds.ID, Timestamp: a.Timestamp, Nonce: a.Nonce, MAC: mac, Hash: a.Hash}
	req := Request{Authorization: cred.Header(), Method: "POST", URI: "/orders", Host: "example.com", Port: 443}

	ac, err := f.auth.Authenticate(context.Background(), req, testWindow)
	require.NoError(t, err)
	assert.Equal(t, "alice", ac.Subject)

	// Dropping the hash from the header breaks the MAC.
	cred.Hash = ""
	cred.Nonce = "hashed-2"
	a.Nonce = "hashed-2"
	cred.MAC, err = ComputeMAC(f.creds.Algorithm, f.creds.Key, a)
	require.NoError(t, err)
	req.Authorization = cred.Header()
	_, err = f.auth.Authenticate(context.Background(), req, testWindow)
	assert.ErrorIs(t, err, autherrors.ErrInvalidSignature)
}

func TestAuthenticate_StoreTimeoutApplied(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := store.NewMockTokenStore(ctrl)
	a := NewAuthenticator(mock, nonce.NewVerifier(mock), Config{StoreTimeout: 50 * time.Millisecond})

	mock.EXPECT().Get(gomock.Any(), "k").
		DoAndReturn(func(ctx context.Context, _ string) (*models.Token, error) {
			_, ok := ctx.Deadline()
			assert.True(t, ok, "store call should carry a deadline")
			<-ctx.Done()
			return nil, fmt.Errorf("get: %w: %v", autherrors.ErrStoreUnavailable, ctx.Err())
		})

	header := (&Credential{ID: "k", Timestamp: time.Now().UnixMilli(), Nonce: "n", MAC: "m"}).Header()
	_, err := a.Authenticate(context.Background(), Request{Authorization: header, Method: "GET", URI: "/"}, testWindow)
	assert.Equal(t, autherrors.KindStoreUnavailable, autherrors.KindOf(err))
}

// --- Middleware ---

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	var seen *models.AuthenticatedContext
	h := Middleware(f.auth, testWindow, logging.NewLogger("development", "error"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = FromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	header, err := Sign(f.creds, "GET", "/api/me", "example.com", 80, f.clock.Now(), "n-1", "")
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "http://example.com/api/me", nil)
	r.Header.Set("Authorization", header)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Subject)

	// Replaying the same header is rejected without detail.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"invalid_token"`)
	assert.NotContains(t, w.Body.String(), "nonce")
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Hawk")
}

func TestSplitHostPort(t *testing.T) {
	h, p := SplitHostPort("Example.com:8080", false)
	assert.Equal(t, "Example.com", h)
	assert.Equal(t, 8080, p)

	h, p = SplitHostPort("example.com", true)
	assert.Equal(t, "example.com", h)
	assert.Equal(t, 443, p)

	h, p = SplitHostPort("[::1]:9000", false)
	assert.Equal(t, "::1", h)
	assert.Equal(t, 9000, p)
}
