package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/config"
	"github.com/eventide/eventide/backend/go-services/internal/models"
	"github.com/eventide/eventide/backend/go-services/pkg/logger"
)

// ErrInvalidAssertion is returned for assertions that fail verification or were revoked.
var ErrInvalidAssertion = fmt.Errorf("invalid identity assertion: %w", apperr.ErrUnauthenticated)

// Identity is the canonical view of a verified IdP assertion.
type Identity struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Name          string
	// Role is the IdP's role hint, RoleUser when the claim is absent or unknown.
	Role models.Role
}

// IdentityVerifier is what the login handler and the session middleware depend on.
type IdentityVerifier interface {
	Verify(ctx context.Context, raw string) (*Identity, error)
}

// Introspector asks the IdP whether a token is still active.
type Introspector interface {
	Active(ctx context.Context, raw string) (bool, error)
}

// Verifier checks ID tokens locally (signature, issuer, audience, expiry) and
// then online through introspection so revoked sessions are not replayed.
type Verifier struct {
	verifier     *oidc.IDTokenVerifier
	introspector Introspector
}

// Provider is the discovered IdP, resolved once at startup.
type Provider struct {
	provider              *oidc.Provider
	kc                    config.KeycloakConfig
	introspectionEndpoint string
}

// Discover fetches the provider's discovery document for the configured realm.
func Discover(ctx context.Context, kc config.KeycloakConfig) (*Provider, error) {
	provider, err := oidc.NewProvider(ctx, kc.Issuer())
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	var meta struct {
		IntrospectionEndpoint string `json:"introspection_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("decode provider metadata: %w", err)
	}
	return &Provider{provider: provider, kc: kc, introspectionEndpoint: meta.IntrospectionEndpoint}, nil
}

// Verifier returns the revocation-aware assertion verifier for this provider.
func (p *Provider) Verifier() *Verifier {
	var in Introspector
	if p.introspectionEndpoint != "" {
		in = NewKeycloakIntrospector(p.kc.URL, p.kc.Realm, p.kc.ClientID, p.kc.ClientSecret)
	} else {
		logger.Warnf("oidc: provider advertises no introspection endpoint; revocation is not checked")
	}
	return &Verifier{
		verifier:     p.provider.Verifier(&oidc.Config{ClientID: p.kc.ClientID}),
		introspector: in,
	}
}

// Exchanger returns the authorization-code exchanger bound to the provider's token endpoint.
func (p *Provider) Exchanger() *CodeExchanger {
	return NewCodeExchanger(p.provider.Endpoint(), p.kc.ClientID, p.kc.ClientSecret)
}

// NewVerifierWithKeySet builds a verifier from an explicit key set; used when
// keys are pinned and in tests.
func NewVerifierWithKeySet(issuer, clientID string, ks oidc.KeySet, in Introspector) *Verifier {
	return &Verifier{
		verifier:     oidc.NewVerifier(issuer, ks, &oidc.Config{ClientID: clientID}),
		introspector: in,
	}
}

// Verify validates the raw assertion and extracts the identity.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidAssertion
	}
	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("verify id token: %w", apperr.ErrProviderUnavailable)
		}
		logger.Debugf("oidc: id token rejected: %v", err)
		return nil, ErrInvalidAssertion
	}
	var c assertionClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrInvalidAssertion, err)
	}
	if v.introspector != nil {
		active, err := v.introspector.Active(ctx, raw)
		if err != nil {
			logger.Warnf("oidc: introspection failed: %v", err)
			return nil, fmt.Errorf("introspect: %w", apperr.ErrProviderUnavailable)
		}
		if !active {
			logger.Security("assertion_revoked", map[string]string{"subject": idToken.Subject})
			return nil, ErrInvalidAssertion
		}
	}
	return c.identity(idToken.Subject), nil
}

// assertionClaims are the non-registered claims read from an assertion.
type assertionClaims struct {
	Subject           string    `json:"sub"`
	Email             string    `json:"email"`
	EmailVerified     bool      `json:"email_verified"`
	Name              string    `json:"name"`
	PreferredUsername string    `json:"preferred_username"`
	Role              roleClaim `json:"role"`
}

func (c assertionClaims) identity(subject string) *Identity {
	if subject == "" {
		subject = c.Subject
	}
	name := c.Name
	if name == "" {
		name = c.PreferredUsername
	}
	return &Identity{
		SubjectID:     subject,
		Email:         strings.ToLower(strings.TrimSpace(c.Email)),
		EmailVerified: c.EmailVerified,
		Name:          name,
		Role:          c.Role.role(),
	}
}

// roleClaim accepts the role attribute as a string or, from multivalued
// Keycloak attribute mappers, as an array of strings.
type roleClaim []string

func (r *roleClaim) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*r = roleClaim{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		// unexpected shapes are treated as an absent claim
		*r = nil
		return nil
	}
	*r = many
	return nil
}

// role returns the first recognized value, defaulting to RoleUser.
func (r roleClaim) role() models.Role {
	for _, v := range r {
		if role, ok := models.ParseRole(v); ok {
			return role
		}
	}
	return models.RoleUser
}
