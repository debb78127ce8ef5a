package rpc

import "strings"

// OriginValidator authorizes which remote contexts may talk to an endpoint.
// It is a security boundary: endpoints consult it before any payload is
// inspected. Construct with an explicit allow-list, or with "*" to accept
// any origin (host-page provider surfaces only).
type OriginValidator struct {
	wildcard bool
	allowed  map[string]struct{}
}

func NewOriginValidator(origins ...string) *OriginValidator {
	v := &OriginValidator{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		origin = normalizeOrigin(origin)
		if origin == "*" {
			v.wildcard = true
			continue
		}
		if origin != "" {
			v.allowed[origin] = struct{}{}
		}
	}
	return v
}

func (v *OriginValidator) Allowed(origin string) bool {
	if v.wildcard {
		return true
	}
	_, ok := v.allowed[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(origin, "/")))
}
