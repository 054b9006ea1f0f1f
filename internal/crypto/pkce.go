package crypto

import (
	"golang.org/x/oauth2"
)

// CodeChallengeMethodS256 is the only PKCE challenge method accepted.
const CodeChallengeMethodS256 = "S256"

// VerifyPKCE checks a code_verifier against the stored S256 challenge.
// The derived challenge is compared in constant time.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	derived := oauth2.S256ChallengeFromVerifier(verifier)
	return ConstantTimeEquals(derived, challenge)
}
