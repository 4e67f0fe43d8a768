package httpapi

import (
	"net/http"
	"strings"

	"github.com/prevant/orchestrator/hooks"
	"github.com/prevant/orchestrator/models"
)

// ownerFromRequest extracts the bearer id token, if any, and turns it
// into an Owner via the configured idTokenClaimsToOwner hook (§4.6).
// Token verification itself happens upstream of this process (§1's
// "authentication/OIDC token parsing... out of scope") — this only
// reads the claim shape the hook needs. A request with no bearer token,
// or no configured hook, simply contributes no owner.
func (h *handler) ownerFromRequest(r *http.Request) (*models.Owner, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}
	if h.deps.HookRuntime == nil || !h.deps.HookRuntime.HasIDTokenHook() {
		return nil, nil
	}

	claims, err := hooks.DecodeIDTokenClaims(token)
	if err != nil {
		return nil, err
	}

	owner, err := h.deps.HookRuntime.ApplyIDTokenHook(claims, h.deps.HookTimeout)
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
