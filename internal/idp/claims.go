// Package idp writes the role claim back to the identity provider.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Nerzal/gocloak/v13"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/eventide/eventide/backend/go-services/internal/config"
	"github.com/eventide/eventide/backend/go-services/internal/models"
)

// ErrUnknownSubject is returned when the realm has no user with the subject id.
var ErrUnknownSubject = errors.New("idp: unknown subject")

// ClaimWriter sets the custom role claim for a subject.
type ClaimWriter interface {
	SetRoleClaim(ctx context.Context, subjectID string, role models.Role) error
}

// Noop discards writes. Used when no admin client is configured.
type Noop struct{}

func (Noop) SetRoleClaim(context.Context, string, models.Role) error { return nil }

// KeycloakAdmin updates the user's "role" attribute through the Keycloak admin
// REST API. Keycloak user ids are the OIDC subject ids of the realm.
type KeycloakAdmin struct {
	gc     *gocloak.GoCloak
	realm  string
	tokens oauth2.TokenSource
}

// NewKeycloakAdmin returns a writer authenticated with the client credentials
// grant; the admin token is cached and renewed by the token source.
func NewKeycloakAdmin(ctx context.Context, kc config.KeycloakConfig) *KeycloakAdmin {
	cc := clientcredentials.Config{
		ClientID:     kc.AdminClientID,
		ClientSecret: kc.AdminClientSecret,
		TokenURL:     kc.Issuer() + "/protocol/openid-connect/token",
	}
	return NewKeycloakAdminWithTokens(kc.URL, kc.Realm, cc.TokenSource(ctx))
}

func NewKeycloakAdminWithTokens(baseURL, realm string, ts oauth2.TokenSource) *KeycloakAdmin {
	return &KeycloakAdmin{gc: gocloak.NewClient(baseURL), realm: realm, tokens: ts}
}

// SetRoleClaim reads the user representation, replaces attributes.role and
// writes it back. Other attributes are preserved.
func (k *KeycloakAdmin) SetRoleClaim(ctx context.Context, subjectID string, role models.Role) error {
	if subjectID == "" {
		return ErrUnknownSubject
	}
	tok, err := k.tokens.Token()
	if err != nil {
		return fmt.Errorf("idp: admin token: %w", err)
	}

	u, err := k.gc.GetUserByID(ctx, tok.AccessToken, k.realm, subjectID)
	if err != nil {
		return apiError("get user", err)
	}
	attrs := map[string][]string{}
	if u.Attributes != nil {
		attrs = *u.Attributes
	}
	attrs["role"] = []string{string(role)}
	u.Attributes = &attrs
	u.ID = gocloak.StringP(subjectID)

	if err := k.gc.UpdateUser(ctx, tok.AccessToken, k.realm, *u); err != nil {
		return apiError("update user", err)
	}
	return nil
}

func apiError(op string, err error) error {
	var api *gocloak.APIError
	// transport failures carry code 0
	if errors.As(err, &api) && api.Code != 0 {
		if api.Code == http.StatusNotFound {
			return ErrUnknownSubject
		}
		return fmt.Errorf("idp: %s: status %d: %w", op, api.Code, err)
	}
	return fmt.Errorf("idp: %s: %w", op, err)
}
