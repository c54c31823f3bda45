package store

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/yourorg/memberstore/internal/domain"
)

const (
	maxUserNameLength = 256
	maxEmailLength    = 256
	maxRoleNameLength = 256
	maxQuestionLength = 256
	maxPasswordLength = 128
	maxAnswerLength   = 128
	maxCommentLength  = 1024
)

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// checkName validates a required name-like argument: non-empty after
// trimming, within maxLen, and free of commas when noCommas is set.
func checkName(param, value string, maxLen int, noCommas bool) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: %s is empty", domain.ErrInvalidArgument, param)
	}
	if len(trimmed) > maxLen {
		return fmt.Errorf("%w: %s exceeds %d characters", domain.ErrInvalidArgument, param, maxLen)
	}
	if noCommas && strings.Contains(trimmed, ",") {
		return fmt.Errorf("%w: %s must not contain commas", domain.ErrInvalidArgument, param)
	}
	return nil
}

// checkPage validates paging arguments and guards the final record index
// against 32-bit overflow.
func checkPage(pageIndex, pageSize int) error {
	if pageIndex < 0 {
		return fmt.Errorf("%w: pageIndex must not be negative", domain.ErrInvalidArgument)
	}
	if pageSize < 1 {
		return fmt.Errorf("%w: pageSize must be at least 1", domain.ErrInvalidArgument)
	}
	upperBound := int64(pageIndex)*int64(pageSize) + int64(pageSize) - 1
	if upperBound > math.MaxInt32 {
		return fmt.Errorf("%w: page window exceeds the 32-bit record range", domain.ErrInvalidArgument)
	}
	return nil
}

func countNonAlphanumeric(s string) int {
	n := 0
	for _, r := range s {
		if !isAlnum(r) {
			n++
		}
	}
	return n
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

const (
	passwordAlnumChars = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	passwordOtherChars = "!@#$%^&*()-_=+[]{}<>?"
)

// generatePassword produces a random password of the given length with at
// least minNonAlnum non-alphanumeric characters, for ResetPassword.
func generatePassword(length, minNonAlnum int) (string, error) {
	if minNonAlnum > length {
		minNonAlnum = length
	}
	out := make([]byte, length)
	for i := range out {
		var pool string
		if i < minNonAlnum {
			pool = passwordOtherChars
		} else {
			pool = passwordAlnumChars
		}
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = pool[idx.Int64()]
	}
	// Shuffle so the non-alphanumeric characters are not clustered in front.
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

// escapeLike escapes LIKE metacharacters so a search term matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// containsPattern builds the case-folded substring pattern for LIKE.
func containsPattern(match string) string {
	return "%" + escapeLike(normalize(match)) + "%"
}
