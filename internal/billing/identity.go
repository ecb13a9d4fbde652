package billing

import (
	"dify-gateway/internal/cache"
	"regexp"

	"github.com/google/uuid"
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// IdentityResolver maps the caller-supplied identifier onto a stable UUID.
// A valid UUID passes through; an identifier containing a UUID substring is
// reduced to it; anything else gets a synthetic UUID that stays stable for
// the process lifetime, so the same opaque identifier always resolves to
// the same account.
type IdentityResolver struct {
	synthetic *cache.Cache[string]
}

// NewIdentityResolver creates a resolver backed by the given cache.
func NewIdentityResolver(synthetic *cache.Cache[string]) *IdentityResolver {
	return &IdentityResolver{synthetic: synthetic}
}

// Resolve returns the stable UUID for a raw identifier.
func (r *IdentityResolver) Resolve(raw string) string {
	if parsed, err := uuid.Parse(raw); err == nil {
		return parsed.String()
	}

	if match := uuidPattern.FindString(raw); match != "" {
		if parsed, err := uuid.Parse(match); err == nil {
			return parsed.String()
		}
	}

	if id, ok := r.synthetic.Get(raw); ok {
		return id
	}
	id := uuid.New().String()
	r.synthetic.Set(raw, id)
	return id
}
