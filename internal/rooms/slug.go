package rooms

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Alphabet excludes ambiguous characters: 0, O, 1, I, L
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// SlugLength gives 31^6 (about 887 million) room slugs.
const SlugLength = 6

// GenerateSlug returns a random URL-safe room slug of n characters.
func GenerateSlug(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("slug length %d", n)
	}
	size := big.NewInt(int64(len(alphabet)))
	slug := make([]byte, n)
	for i := range slug {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		slug[i] = alphabet[idx.Int64()]
	}
	return string(slug), nil
}
