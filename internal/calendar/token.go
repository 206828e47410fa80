package calendar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
	"golang.org/x/sync/singleflight"
)

const (
	graphScope       = "https://graph.microsoft.com/.default"
	defaultAuthority = "https://login.microsoftonline.com/"
)

// tokenSource yields bearer tokens for Graph requests.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Credentials identify the app registration used for application permissions.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Complete reports whether all credential fields are present.
func (c Credentials) Complete() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != ""
}

// msalTokenSource acquires app-only tokens with the client-credentials flow.
// MSAL keeps the token cache; concurrent misses share one acquisition.
type msalTokenSource struct {
	client confidential.Client
	scopes []string
	group  singleflight.Group
}

func newMSALTokenSource(creds Credentials) (*msalTokenSource, error) {
	if !creds.Complete() {
		return nil, ErrNotConfigured
	}
	cred, err := confidential.NewCredFromSecret(creds.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: client secret: %v", ErrNotConfigured, err)
	}
	client, err := confidential.New(defaultAuthority+creds.TenantID, creds.ClientID, cred)
	if err != nil {
		return nil, fmt.Errorf("%w: create MSAL client: %v", ErrNotConfigured, err)
	}
	return &msalTokenSource{client: client, scopes: []string{graphScope}}, nil
}

// Token returns a cached token when valid and acquires a new one otherwise.
// The wait ends when ctx does, even if the shared acquisition is still running.
func (m *msalTokenSource) Token(ctx context.Context) (string, error) {
	ch := m.group.DoChan("token", func() (interface{}, error) {
		result, err := m.client.AcquireTokenSilent(ctx, m.scopes)
		if err == nil {
			return result.AccessToken, nil
		}
		slog.Debug("msalTokenSource.Token: cache miss, acquiring by credential", "error", err)
		result, err = m.client.AcquireTokenByCredential(ctx, m.scopes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTokenAcquisition, err)
		}
		slog.Debug("msalTokenSource.Token: acquired", "expires_on", result.ExpiresOn)
		return result.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrTokenAcquisition, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// staticToken is a fixed bearer token, used with test servers.
type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }
