package session

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// Options configure where the resolver looks for the forwarded identity.
type Options struct {
	UserIDHeader      string
	DisplayNameHeader string
	TokenHeader       string
	SharedToken       string
	AllowQueryParams  bool
}

// DefaultOptions matches the headers set by the reference proxy setup.
func DefaultOptions() Options {
	return Options{
		UserIDHeader:      "X-User-Id",
		DisplayNameHeader: "X-User-Name",
		TokenHeader:       "X-Collab-Token",
		AllowQueryParams:  true,
	}
}

// Resolver implements interfaces.IdentityResolver
// ARCHITECTURAL DISCOVERY: The hub never authenticates users itself; it trusts the
// principal forwarded by the host application and only checks its shape
type Resolver struct {
	opts Options
}

func NewResolver(opts Options) (*Resolver, error) {
	if opts.UserIDHeader == "" || opts.DisplayNameHeader == "" {
		return nil, ErrEmptyHeaderName
	}
	if opts.SharedToken != "" && opts.TokenHeader == "" {
		return nil, ErrTokenHeaderEmpty
	}
	return &Resolver{opts: opts}, nil
}

// Resolve extracts and validates the identity carried by r.
func (res *Resolver) Resolve(r *http.Request) (types.Identity, error) {
	if r == nil {
		return types.Identity{}, ErrNilRequest
	}

	if res.opts.SharedToken != "" {
		presented := r.Header.Get(res.opts.TokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(res.opts.SharedToken)) != 1 {
			return types.Identity{}, interfaces.ErrUnauthorized
		}
	}

	userID := strings.TrimSpace(r.Header.Get(res.opts.UserIDHeader))
	displayName := strings.TrimSpace(r.Header.Get(res.opts.DisplayNameHeader))

	if res.opts.AllowQueryParams {
		query := r.URL.Query()
		if userID == "" {
			userID = strings.TrimSpace(query.Get("user_id"))
		}
		if displayName == "" {
			displayName = strings.TrimSpace(query.Get("display_name"))
		}
	}

	if userID == "" {
		return types.Identity{}, interfaces.ErrMissingIdentity
	}
	// Display name falls back to the user ID when the host omits it.
	if displayName == "" {
		displayName = userID
	}

	identity := types.Identity{UserID: userID, DisplayName: displayName}
	if err := identity.Validate(); err != nil {
		return types.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	return identity, nil
}
