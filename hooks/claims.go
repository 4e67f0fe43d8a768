package hooks

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/prevant/orchestrator/errs"
)

// DecodeIDTokenClaims extracts the claim set from a compact JWS without
// verifying its signature. The hook is the only consumer of these
// claims and decides for itself what to trust; by the time a token
// reaches here it has already passed whatever OIDC verification the
// caller's auth middleware performs, so this step only needs to get at
// the payload shape, not re-authenticate it.
func DecodeIDTokenClaims(rawIDToken string) (map[string]any, error) {
	parsed, err := jose.ParseSigned(rawIDToken, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.PS256, jose.PS384, jose.PS512,
		jose.HS256, jose.HS384, jose.HS512,
	})
	if err != nil {
		return nil, errs.Wrap(errs.UnapplicableHook, err, "failed to parse id token")
	}

	payload := parsed.UnsafePayloadWithoutVerification()

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errs.Wrap(errs.UnapplicableHook, fmt.Errorf("id token payload is not a JSON object: %w", err), "failed to parse id token claims")
	}

	return claims, nil
}
