package toolkit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"

	"github.com/sakif/phone-profile/internal/identity"
)

// TokenSource returns a token source for one signed-in user.
//
// REFRESH FLOW:
// The secure-token endpoint implements the OAuth 2.0 refresh_token grant, so
// golang.org/x/oauth2 does the request and response parsing for us:
//
//	POST /v1/token?key=API_KEY
//	grant_type=refresh_token&refresh_token=...
//
// The response carries "id_token" next to "access_token"; the ID token is
// what the profile API accepts. A token is reused until it is within
// oauth2's expiry margin, after which the next call refreshes it.
func (c *Client) TokenSource(refreshToken string) identity.TokenSource {
	return &tokenSource{client: c, refreshToken: refreshToken}
}

type tokenSource struct {
	client *Client

	mu           sync.Mutex
	refreshToken string
	current      *oauth2.Token
}

func (s *tokenSource) Token(ctx context.Context) (*identity.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshToken == "" {
		return nil, identity.Unknown("no refresh token", nil)
	}

	if !s.current.Valid() {
		// oauth2 reads its HTTP client from the context.
		octx := context.WithValue(ctx, oauth2.HTTPClient, s.client.http)
		tok, err := s.client.oauth.TokenSource(octx, &oauth2.Token{RefreshToken: s.refreshToken}).Token()
		if err != nil {
			return nil, refreshError(err)
		}
		s.current = tok
		if tok.RefreshToken != "" {
			s.refreshToken = tok.RefreshToken
		}
	}

	idToken, _ := s.current.Extra("id_token").(string)
	if idToken == "" {
		idToken = s.current.AccessToken
	}

	ident, _, err := identity.ParseIDToken(idToken)
	if err != nil {
		return nil, identity.Unknown("provider returned an unreadable ID token", err)
	}

	return &identity.Token{
		IDToken:  idToken,
		Expiry:   s.current.Expiry,
		Identity: ident,
	}, nil
}

// refreshError turns an oauth2 failure into an *identity.Error, using the
// provider's error body when one came back.
func refreshError(err error) *identity.Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		pe := decodeError(re.Response.StatusCode, re.Body)
		pe.Err = err
		return pe
	}
	return identity.Unknown("refreshing ID token", err)
}
