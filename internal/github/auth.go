// Package github authenticates seed repository access as a GitHub App
// installation.
package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// AppAuth provides GitHub App installation authentication
type AppAuth struct {
	transport *ghinstallation.Transport
}

// NewAppAuth creates a new GitHub App authenticator from a PEM encoded
// private key
func NewAppAuth(appID int64, privateKey []byte, installationID int64) (*AppAuth, error) {
	transport, err := ghinstallation.New(
		http.DefaultTransport,
		appID,
		installationID,
		privateKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App transport: %w", err)
	}

	return &AppAuth{transport: transport}, nil
}

// Token returns a valid installation access token. ghinstallation refreshes
// it when expired and is safe for concurrent use.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	token, err := a.transport.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get installation token: %w", err)
	}
	return token, nil
}
