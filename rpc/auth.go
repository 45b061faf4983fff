package rpc

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"cipherpool/crypto"
)

// CallerHeader names the caller when authentication is disabled. It is only
// honoured in that mode and is meant for local development.
const CallerHeader = "X-Cipherpool-Caller"

var (
	errMissingToken  = errors.New("missing bearer token")
	errMissingCaller = errors.New("caller address required")
)

// AuthConfig configures bearer token validation. Tokens are HMAC signed and
// carry the caller's address in the subject claim.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator resolves the calling principal of a request.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Caller returns the authenticated address.
func (a *Authenticator) Caller(r *http.Request) ([20]byte, error) {
	if !a.cfg.Enabled {
		raw := strings.TrimSpace(r.Header.Get(CallerHeader))
		if raw == "" {
			return [20]byte{}, errMissingCaller
		}
		return parseCaller(raw)
	}
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return [20]byte{}, errMissingToken
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return [20]byte{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return [20]byte{}, err
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return [20]byte{}, errors.New("subject claim required")
	}
	return parseCaller(sub)
}

func parseCaller(raw string) ([20]byte, error) {
	addr, err := crypto.ParseParticipant(raw)
	if errors.Is(err, crypto.ErrNotParticipant) {
		return [20]byte{}, errors.New("caller must be a participant address")
	}
	if err != nil {
		return [20]byte{}, errors.New("caller must be a bech32 address")
	}
	return addr, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, err := claims.GetIssuer(); err != nil || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		values, err := claims.GetAudience()
		if err != nil {
			return errors.New("audience mismatch")
		}
		for _, v := range values {
			if v == audience {
				return nil
			}
		}
		return errors.New("audience mismatch")
	}
	return nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// IssueToken signs a caller token. The daemon uses it to mint operator
// credentials.
func IssueToken(secret string, cfg AuthConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret not configured")
	}
	if _, err := parseCaller(subject); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}
