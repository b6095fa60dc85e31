// Package identity supplies bearer tokens for registry calls. The default
// source is the workload's managed identity; a static token or no auth at all
// can be selected for self-hosted registries.
package identity

import (
	"context"
	"fmt"

	"registry-scorer/internal/common"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// TokenSource returns a bearer token, or "" when requests go unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ManagedIdentity wraps an Azure managed identity credential. Construction
// never contacts the identity endpoint; the first Token call does.
type ManagedIdentity struct {
	cred  azcore.TokenCredential
	scope string
}

// NewManagedIdentity builds a credential for the user-assigned identity with
// the given client ID, or the system-assigned identity when clientID is empty.
func NewManagedIdentity(clientID, scope string) (*ManagedIdentity, error) {
	opts := &azidentity.ManagedIdentityCredentialOptions{}
	if clientID != "" {
		opts.ID = azidentity.ClientID(clientID)
	}
	cred, err := azidentity.NewManagedIdentityCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("create managed identity credential: %w", err)
	}
	return &ManagedIdentity{cred: cred, scope: scope}, nil
}

// NewFromCredential wraps any azcore credential, e.g. one built by tests.
func NewFromCredential(cred azcore.TokenCredential, scope string) *ManagedIdentity {
	return &ManagedIdentity{cred: cred, scope: scope}
}

func (m *ManagedIdentity) Token(ctx context.Context) (string, error) {
	tok, err := m.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{m.scope}})
	if err != nil {
		return "", fmt.Errorf("acquire token for %s: %w", m.scope, err)
	}
	return tok.Token, nil
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// Anonymous sends no Authorization header.
type Anonymous struct{}

func (Anonymous) Token(context.Context) (string, error) { return "", nil }

// New selects a token source for the configured auth mode.
func New(mode, clientID, token, scope string) (TokenSource, error) {
	switch mode {
	case common.AuthManagedIdentity, "":
		return NewManagedIdentity(clientID, scope)
	case common.AuthToken:
		if token == "" {
			return nil, fmt.Errorf("auth mode %q requires a token", mode)
		}
		return Static(token), nil
	case common.AuthNone:
		return Anonymous{}, nil
	default:
		return nil, fmt.Errorf("unknown registry auth mode %q", mode)
	}
}
