package clients

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/openauthd/openauthd/internal/oautherr"
)

// OAuthClient is a registered OAuth 2.0 client of a tenant. Secrets are
// stored hashed only; the plaintext leaves the registry exactly once, at
// create and at rotate.
type OAuthClient struct {
	ID                      string         `json:"id"`
	TenantID                string         `json:"tenant_id"`
	Name                    string         `json:"name"`
	SecretHash              string         `json:"-"`
	PreviousSecretHash      string         `json:"-"`
	PreviousSecretExpiresAt int64          `json:"-"` // unix millis, 0 = none
	RotatedAt               int64          `json:"rotated_at,omitempty"`
	GrantTypes              []string       `json:"grant_types"`
	Scopes                  []string       `json:"scopes"`
	RedirectURIs            []string       `json:"redirect_uris"`
	Metadata                map[string]any `json:"metadata,omitempty"`
	Enabled                 bool           `json:"enabled"`
	CreatedAt               int64          `json:"created_at"`
	UpdatedAt               int64          `json:"updated_at"`
}

var knownGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
	"client_credentials": true,
}

// Scope tokens per RFC 6749 §3.3: printable ASCII without space,
// backslash or double quote. The pattern below is the practical subset.
var scopePattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-*/]{1,100}$`)

const (
	maxNameLength     = 100
	maxRedirectURIs   = 20
	maxScopes         = 50
	maxMetadataFields = 20
)

// CreateRequest carries the caller-supplied fields of a new client.
type CreateRequest struct {
	Name         string         `json:"name"`
	GrantTypes   []string       `json:"grant_types"`
	Scopes       []string       `json:"scopes"`
	RedirectURIs []string       `json:"redirect_uris"`
	Metadata     map[string]any `json:"metadata"`
}

func (r *CreateRequest) validate() error {
	if err := validateName(r.Name); err != nil {
		return err
	}
	if err := validateGrantTypes(r.GrantTypes); err != nil {
		return err
	}
	if err := validateScopes(r.Scopes); err != nil {
		return err
	}
	if err := validateRedirectURIs(r.RedirectURIs); err != nil {
		return err
	}
	return validateMetadata(r.Metadata)
}

// UpdateParams are the optional fields of a partial client update. Nil
// means "leave unchanged".
type UpdateParams struct {
	Name         *string
	GrantTypes   []string
	Scopes       []string
	RedirectURIs []string
	Metadata     map[string]any
	Enabled      *bool
}

func (p *UpdateParams) validate() error {
	if p.Name != nil {
		if err := validateName(*p.Name); err != nil {
			return err
		}
	}
	if p.GrantTypes != nil {
		if err := validateGrantTypes(p.GrantTypes); err != nil {
			return err
		}
	}
	if p.Scopes != nil {
		if err := validateScopes(p.Scopes); err != nil {
			return err
		}
	}
	if p.RedirectURIs != nil {
		if err := validateRedirectURIs(p.RedirectURIs); err != nil {
			return err
		}
	}
	return validateMetadata(p.Metadata)
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return oautherr.Validation("invalid_request", "client name must be 1-%d characters", maxNameLength)
	}
	return nil
}

func validateGrantTypes(grants []string) error {
	if len(grants) == 0 {
		return oautherr.Validation("invalid_request", "at least one grant type is required")
	}
	for _, g := range grants {
		if !knownGrantTypes[g] {
			return oautherr.Validation("invalid_request", "unsupported grant type %q", g)
		}
	}
	return nil
}

func validateScopes(scopes []string) error {
	if len(scopes) > maxScopes {
		return oautherr.Validation("invalid_scope_format", "at most %d scopes allowed", maxScopes)
	}
	for _, s := range scopes {
		if !scopePattern.MatchString(s) {
			return oautherr.Validation("invalid_scope_format", "invalid scope %q", s)
		}
	}
	return nil
}

func validateRedirectURIs(uris []string) error {
	if len(uris) > maxRedirectURIs {
		return oautherr.Validation("invalid_redirect_uri", "at most %d redirect URIs allowed", maxRedirectURIs)
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return oautherr.Validation("invalid_redirect_uri", "invalid redirect URI %q", raw)
		}
		// Loopback may use http; everything else must be https or a
		// private-use scheme for native apps.
		if u.Scheme == "http" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
			return oautherr.Validation("invalid_redirect_uri", "redirect URI %q must use https", raw)
		}
	}
	return nil
}

func validateMetadata(metadata map[string]any) error {
	if len(metadata) > maxMetadataFields {
		return oautherr.Validation("invalid_request", "at most %d metadata fields allowed", maxMetadataFields)
	}
	return nil
}
