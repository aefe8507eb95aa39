package utils

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// JoinCodeAlphabet omits I, O, 0 and 1 so codes can be read aloud.
const JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// JoinCodeLength is the number of characters in a join code.
const JoinCodeLength = 6

// GenerateID returns prefix_<uuid>.
func GenerateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// GenerateJoinCode returns a random join code drawn from JoinCodeAlphabet.
func GenerateJoinCode() string {
	var b strings.Builder
	b.Grow(JoinCodeLength)
	max := big.NewInt(int64(len(JoinCodeAlphabet)))
	for i := 0; i < JoinCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(err)
		}
		b.WriteByte(JoinCodeAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizeJoinCode upper-cases and strips separators users tend to type.
func NormalizeJoinCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
