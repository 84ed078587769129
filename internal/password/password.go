// Package password generates rotation passwords. Generation uses
// crypto/rand rather than math/rand, targets a length of at least 24
// characters, and draws punctuation from a DB-safe subset that MySQL
// accepts in a quoted string literal without further escaping headaches.
package password

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// MinLength is the minimum password length the engine will ever generate.
const MinLength = 24

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#%^&*-_=+?"

// Generate returns a cryptographically random password of at least
// MinLength characters. Never log the return value.
func Generate() (string, error) {
	return GenerateLength(MinLength)
}

// GenerateLength returns a cryptographically random password of n
// characters. n must be >= MinLength.
func GenerateLength(n int) (string, error) {
	if n < MinLength {
		return "", fmt.Errorf("password: requested length %d is below minimum %d", n, MinLength)
	}

	max := big.NewInt(int64(len(charset)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("password: reading random bytes: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}
