package utils

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	objectKeyRandomLen = 16
	objectKeyHintLen   = 48
)

var unsafeSegment = regexp.MustCompile(`[^a-z0-9._-]+`)

// SanitizeSegment lowercases s, collapses every run of characters outside
// [a-z0-9._-] into a single '-', trims '-' from both ends and truncates to maxLen.
func SanitizeSegment(s string, maxLen int) string {
	cleaned := unsafeSegment.ReplaceAllString(strings.ToLower(s), "-")
	cleaned = strings.Trim(cleaned, "-")
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}

// RandomBase62 returns n characters drawn uniformly from crypto/rand
func RandomBase62(n int) (string, error) {
	max := big.NewInt(int64(len(base62Alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = base62Alphabet[idx.Int64()]
	}
	return string(b), nil
}

// NewObjectKey builds "<random>_<hint>_<tgID>" for a fresh upload
func NewObjectKey(hint string, tgID int64) (string, error) {
	random, err := RandomBase62(objectKeyRandomLen)
	if err != nil {
		return "", err
	}
	return random + "_" + SanitizeSegment(hint, objectKeyHintLen) + "_" + strconv.FormatInt(tgID, 10), nil
}
