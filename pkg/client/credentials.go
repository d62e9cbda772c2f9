package client

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// Credential is an already issued credential for one resource. Password
// based backends use Username/Secret (and PrivateKey for SSH); OAuth
// backends use Token.
type Credential struct {
	Username   string
	Secret     string
	Domain     string
	PrivateKey []byte
	Token      *oauth2.Token
}

// CredentialProvider resolves the credential referenced by a handle.
type CredentialProvider interface {
	GetCredential(ctx context.Context, ref string) (*Credential, error)
}

// StaticCredentials is a CredentialProvider backed by a map.
type StaticCredentials map[string]*Credential

// GetCredential returns the credential stored under ref.
func (s StaticCredentials) GetCredential(ctx context.Context, ref string) (*Credential, error) {
	c, ok := s[ref]
	if !ok {
		return nil, NewError(KindAuth, "credential", ref, fmt.Errorf("no credential for %q", ref))
	}
	return c, nil
}
