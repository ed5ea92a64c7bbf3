package oidc

import (
	"context"
	"fmt"

	"github.com/Nerzal/gocloak/v13"
)

// KeycloakIntrospector asks the realm's token introspection endpoint whether a
// token is still active, authenticating the confidential client with HTTP Basic.
type KeycloakIntrospector struct {
	gc           *gocloak.GoCloak
	realm        string
	clientID     string
	clientSecret string
}

func NewKeycloakIntrospector(baseURL, realm, clientID, clientSecret string) *KeycloakIntrospector {
	return &KeycloakIntrospector{
		gc:           gocloak.NewClient(baseURL),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Active reports the provider's "active" flag for the token; a response
// without the flag counts as inactive.
func (i *KeycloakIntrospector) Active(ctx context.Context, raw string) (bool, error) {
	res, err := i.gc.RetrospectToken(ctx, raw, i.clientID, i.clientSecret, i.realm)
	if err != nil {
		return false, fmt.Errorf("introspect token: %w", err)
	}
	return res.Active != nil && *res.Active, nil
}
