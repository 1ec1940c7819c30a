package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// parsePublicKey decodes PEM-encoded public key material for the given
// asymmetric algorithm family.
func parsePublicKey(algorithm, pemData string) (any, error) {
	switch {
	case strings.HasPrefix(algorithm, "RS"):
		return jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
	case strings.HasPrefix(algorithm, "ES"):
		return jwt.ParseECPublicKeyFromPEM([]byte(pemData))
	default:
		return nil, fmt.Errorf("no public key format for algorithm %q", algorithm)
	}
}

// parsePrivateKey decodes PEM-encoded private key material for the given
// asymmetric algorithm family.
func parsePrivateKey(algorithm, pemData string) (any, error) {
	switch {
	case strings.HasPrefix(algorithm, "RS"):
		return jwt.ParseRSAPrivateKeyFromPEM([]byte(pemData))
	case strings.HasPrefix(algorithm, "ES"):
		return jwt.ParseECPrivateKeyFromPEM([]byte(pemData))
	default:
		return nil, fmt.Errorf("no private key format for algorithm %q", algorithm)
	}
}
