package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitByBytes(t *testing.T) {
	assert.Equal(t, []string{"Answer: red"}, splitByBytes("Answer: red", 4096))
	assert.Equal(t, []string{""}, splitByBytes("", 10))

	parts := splitByBytes(strings.Repeat("ab", 5), 4)
	assert.Equal(t, []string{"abab", "abab", "ab"}, parts)

	// Multi-byte runes are never cut in half.
	parts = splitByBytes(strings.Repeat("я", 5), 3)
	for _, p := range parts {
		assert.True(t, utf8.ValidString(p))
		assert.LessOrEqual(t, len(p), 3)
	}
	assert.Equal(t, strings.Repeat("я", 5), strings.Join(parts, ""))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "token is empty")

	_, err = New(Options{Token: "123:abc"})
	assert.ErrorContains(t, err, "http client is nil")
}
