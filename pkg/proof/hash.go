package proof

import "github.com/vorion-labs/cognigate/pkg/canonical"

func computeHash(in hashInput) (string, error) {
	return canonical.Hash(in)
}
