// Package access implements the service-wide authentication gate: a single
// shared password checked at login, and an HMAC-signed expiring token
// carried in an HttpOnly cookie on every subsequent request.
//
// The token is base64(payload) + "." + hex(HMAC-SHA256(payload, secret)).
// Unless TOKEN_SECRET is supplied, the secret is random per process start,
// so all outstanding tokens expire on restart.
package access

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// CookieName carries the access token.
const CookieName = "webssh_access"

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

// Gate holds the process-wide access configuration. The secret is read-only
// after construction.
type Gate struct {
	password     string // empty means the gate is open
	passwordHex  string // lowercase sha256 hex of password
	secret       []byte
	ttl          time.Duration
	secureCookie bool
}

// Status is the result of a Check.
type Status struct {
	Required bool `json:"required"`
	Verified bool `json:"verified"`
}

// New builds a Gate. An empty secret is replaced with 32 random bytes.
func New(password, secret string, ttl time.Duration, secureCookie bool) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sec := []byte(secret)
	if len(sec) == 0 {
		sec = make([]byte, 32)
		rand.Read(sec)
	}
	var pwHex string
	if password != "" {
		sum := sha256.Sum256([]byte(password))
		pwHex = hex.EncodeToString(sum[:])
	}
	return &Gate{
		password:     password,
		passwordHex:  pwHex,
		secret:       sec,
		ttl:          ttl,
		secureCookie: secureCookie,
	}
}

// Required reports whether an access password is configured.
func (g *Gate) Required() bool {
	return g.password != ""
}

// Check evaluates the presented token. With no password configured the gate
// short-circuits to verified.
func (g *Gate) Check(token string) Status {
	if !g.Required() {
		return Status{Required: false, Verified: true}
	}
	return Status{Required: true, Verified: g.ValidateToken(token)}
}

// Verify accepts either the raw access password or its SHA-256 hex digest
// (clients may pre-hash before sending). Comparison is constant-time.
func (g *Gate) Verify(password string) bool {
	if !g.Required() {
		return true
	}
	sum := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(sum[:], mustDecodeHex(g.passwordHex)) == 1 {
		return true
	}
	// Pre-hashed form: the client sent sha256(password) as hex.
	presented := strings.ToLower(password)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(g.passwordHex)) == 1
}

type tokenPayload struct {
	Exp int64 `json:"exp"`
}

// MintToken issues a token expiring after the configured TTL.
func (g *Gate) MintToken() string {
	payload, _ := json.Marshal(tokenPayload{Exp: time.Now().Add(g.ttl).Unix()})
	b64 := base64.RawURLEncoding.EncodeToString(payload)
	return b64 + "." + g.sign(payload)
}

// ValidateToken verifies the signature and expiry of a token.
func (g *Gate) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	b64, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(g.sign(payload))) != 1 {
		return false
	}
	var tp tokenPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return false
	}
	return time.Now().Unix() < tp.Exp
}

func (g *Gate) sign(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SetCookie attaches a freshly minted token to the response.
func (g *Gate) SetCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    g.MintToken(),
		Path:     "/",
		MaxAge:   int(g.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   g.secureCookie,
	})
}

// ClearCookie removes the access cookie.
func (g *Gate) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   g.secureCookie,
	})
}

// TokenFromRequest extracts the access token from the request cookie.
func TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func mustDecodeHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
