package tokens

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/eventide/eventide/backend/go-services/internal/config"
	"github.com/eventide/eventide/backend/go-services/internal/models"
)

const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
)

var (
	// ErrExpired is returned for a well-signed token past its expiry. Expected; triggers refresh.
	ErrExpired = errors.New("token expired")
	// ErrInvalid covers bad signatures, wrong algorithms and malformed claims.
	ErrInvalid = errors.New("token invalid")
)

// Claims is the minimal claim set carried by both session credentials.
// The subject id travels in the registered "sub" claim.
type Claims struct {
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
	jwt.RegisteredClaims
}

// SubjectID returns the IdP subject id the credential was issued for.
func (c *Claims) SubjectID() string { return c.Subject }

// Pair is an access/refresh credential pair with their expiries.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Service issues and verifies session credentials and moves them in and out
// of cookies. It holds only read-only configuration.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	cookie        config.CookieConfig
	now           func() time.Time
}

// NewService builds the token service from JWT and cookie settings.
func NewService(jwtCfg config.JWTConfig, cookieCfg config.CookieConfig) *Service {
	if cookieCfg.RefreshPath == "" {
		cookieCfg.RefreshPath = "/auth/refresh"
	}
	return &Service{
		accessSecret:  []byte(jwtCfg.AccessSecret),
		refreshSecret: []byte(jwtCfg.RefreshSecret),
		issuer:        jwtCfg.Issuer,
		accessTTL:     jwtCfg.AccessTokenTTL,
		refreshTTL:    jwtCfg.RefreshTokenTTL,
		cookie:        cookieCfg,
		now:           time.Now,
	}
}

// WithClock replaces the time source; used by tests to move past expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue signs a fresh access and refresh token for the user.
func (s *Service) Issue(u *models.User) (Pair, error) {
	if u == nil || strings.TrimSpace(u.SubjectID) == "" {
		return Pair{}, fmt.Errorf("issue: %w: subject id missing", ErrInvalid)
	}
	now := s.now().UTC()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)

	access, err := s.sign(u, now, accessExp, s.accessSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sign(u, now, refreshExp, s.refreshSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) sign(u *models.User, now, exp time.Time, secret []byte) (string, error) {
	claims := Claims{
		Email: u.Email,
		Role:  u.EffectiveRole(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   u.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccess checks signature and expiry against the access secret.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	return s.verify(token, s.accessSecret)
}

// VerifyRefresh checks signature and expiry against the refresh secret.
func (s *Service) VerifyRefresh(token string) (*Claims, error) {
	return s.verify(token, s.refreshSecret)
}

func (s *Service) verify(token string, secret []byte) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalid
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		// signature is checked before claims, so an expired token here is authentic
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalid
	}
	role, ok := models.ParseRole(string(claims.Role))
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, claims.Role)
	}
	claims.Role = role
	return claims, nil
}

// AttachToResponse sets both credentials as http-only, SameSite=Strict cookies.
// The refresh cookie is scoped to the refresh endpoint only.
func (s *Service) AttachToResponse(w http.ResponseWriter, p Pair) {
	http.SetCookie(w, s.cookieFor(AccessCookieName, p.AccessToken, "/", int(s.accessTTL.Seconds())))
	http.SetCookie(w, s.cookieFor(RefreshCookieName, p.RefreshToken, s.cookie.RefreshPath, int(s.refreshTTL.Seconds())))
}

// Clear expires both cookies. Paths must match those used when setting them.
func (s *Service) Clear(w http.ResponseWriter) {
	http.SetCookie(w, s.cookieFor(AccessCookieName, "", "/", -1))
	http.SetCookie(w, s.cookieFor(RefreshCookieName, "", s.cookie.RefreshPath, -1))
}

func (s *Service) cookieFor(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   s.cookie.Domain,
		MaxAge:   maxAge,
		Secure:   s.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// AccessFromRequest returns the access cookie value, or "" when absent.
func AccessFromRequest(r *http.Request) string {
	return cookieValue(r, AccessCookieName)
}

// RefreshFromRequest returns the refresh cookie value, or "" when absent.
func RefreshFromRequest(r *http.Request) string {
	return cookieValue(r, RefreshCookieName)
}

func cookieValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
