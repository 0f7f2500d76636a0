package httpserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/rpaflow/orchestrator-core/internal/config"
)

// Argon2Params defines parameters for Argon2id password/API-key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash in the encoded form VerifyPassword
// accepts. No handler in this package calls it: the admin token endpoint
// compares the configured admin password directly.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword verifies a password/API-key against its Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(password), salt, iters64, mem64, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// SessionManager issues and validates the HS256 bearer tokens the admin API
// accepts. It avoids pulling in a full JWT library since the token shape is
// fixed (one subject claim, one expiry) and the teacher's stack never needed
// more than HMAC-SHA256 for this.
type SessionManager struct {
	secret []byte
	cfg    config.Config
}

// NewSessionManager constructs a SessionManager from the admin session secret.
func NewSessionManager(cfg config.Config) *SessionManager {
	return &SessionManager{secret: []byte(cfg.AdminSessionSecret), cfg: cfg}
}

// GenerateJWT issues a compact JWT (HS256) for the given subject and TTL.
func (sm *SessionManager) GenerateJWT(subject string, ttl time.Duration) (string, error) {
	if subject == "" || ttl <= 0 {
		return "", fmt.Errorf("invalid params")
	}
	now := time.Now().Unix()
	exp := time.Now().Add(ttl).Unix()

	header := map[string]any{"alg": "HS256", "typ": "JWT"}
	claims := map[string]any{"sub": subject, "iat": now, "exp": exp, "iss": "orchestrator-core"}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	unsigned := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)

	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(unsigned))
	return unsigned + "." + enc.EncodeToString(mac.Sum(nil)), nil
}

// ValidateJWT validates an HS256 JWT and returns its subject if valid.
func (sm *SessionManager) ValidateJWT(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid token")
	}

	unsigned := parts[0] + "." + parts[1]
	enc := base64.RawURLEncoding

	sigBytes, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("bad signature encoding")
	}
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(unsigned))
	if !hmac.Equal(mac.Sum(nil), sigBytes) {
		return "", fmt.Errorf("invalid signature")
	}

	claimsJSON, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("bad claims encoding")
	}
	var claims map[string]any
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return "", fmt.Errorf("bad claims")
	}

	expVal, ok := claims["exp"]
	if !ok {
		return "", fmt.Errorf("no exp")
	}
	var exp int64
	switch v := expVal.(type) {
	case float64:
		exp = int64(v)
	case int64:
		exp = v
	default:
		return "", fmt.Errorf("bad exp type")
	}
	if time.Now().Unix() >= exp {
		return "", fmt.Errorf("token expired")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("no sub")
	}
	return sub, nil
}

// getSSOUsernameFromHeaders extracts a trusted identity from reverse-proxy
// SSO headers (oauth2-proxy and common auth-proxy conventions).
func getSSOUsernameFromHeaders(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Auth-Request-User")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-User")); v != "" {
		return v
	}
	return ""
}

// CSRFGuard is a pass-through that performs no CSRF check: the admin API is
// bearer-token only, never cookie-authenticated.
func (s *Server) CSRFGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

// AdminAPIGuard protects admin routes. If admin credentials are not
// configured, the guard is a no-op so local/dev deployments keep working
// without standing up a secret. Otherwise it accepts a trusted SSO header or
// a valid bearer JWT issued by POST /admin/token.
func (s *Server) AdminAPIGuard() func(http.Handler) http.Handler {
	if !s.Cfg.AdminEnabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	sm := NewSessionManager(s.Cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ssoUser := getSSOUsernameFromHeaders(r); ssoUser != "" {
				next.ServeHTTP(w, r)
				return
			}
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token := strings.TrimSpace(authz[len("Bearer "):])
				if token != "" {
					if _, err := sm.ValidateJWT(token); err == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		})
	}
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
