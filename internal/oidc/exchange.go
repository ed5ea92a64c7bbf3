package oidc

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
)

var errNoIDToken = errors.New("token response carried no id_token")

// CodeExchanger trades an authorization code for the provider's ID token.
type CodeExchanger struct {
	config oauth2.Config
}

func NewCodeExchanger(endpoint oauth2.Endpoint, clientID, clientSecret string) *CodeExchanger {
	return &CodeExchanger{config: oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{"openid", "email", "profile"},
	}}
}

// Exchange returns the raw id_token for code. The redirect URI must match the
// one used in the authorization request.
func (e *CodeExchanger) Exchange(ctx context.Context, code, redirectURI string) (string, error) {
	cfg := e.config
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			// the provider answered: the code is bad, not the provider
			return "", fmt.Errorf("%w: %s", ErrInvalidAssertion, re.ErrorCode)
		}
		return "", fmt.Errorf("code exchange: %w", apperr.ErrProviderUnavailable)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidAssertion, errNoIDToken)
	}
	return raw, nil
}
