package interfaces

import (
	"net/http"

	"collabhub/pkg/types"
)

// IdentityResolver extracts the authenticated principal from an upgrade request.
// Authentication itself happens upstream; the resolver only trusts what the
// fronting proxy forwards.
type IdentityResolver interface {
	// Resolve returns ErrUnauthorized for a failed credential check and a
	// validation error for malformed identity values
	Resolve(r *http.Request) (types.Identity, error)
}
