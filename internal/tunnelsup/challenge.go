package tunnelsup

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/freitascorp/gatewayd/internal/model"
)

// SolveChallenge signs a server-provided nonce with the stored credential's
// access token, a short proof-of-possession step the relay requires before
// issuing a host token. Grounded on original_source/challenge.rs's stated
// purpose (only its description was available in the retrieval pack, not
// its body — the concrete HMAC construction below is authored directly
// against spec.md's credential model; see DESIGN.md).
func SolveChallenge(cred model.StoredCredential, nonce []byte) []byte {
	mac := hmac.New(sha256.New, []byte(cred.AccessToken))
	mac.Write(nonce)
	return mac.Sum(nil)
}
