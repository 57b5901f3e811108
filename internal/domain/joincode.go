package domain

import (
	"strings"

	nanoid "github.com/jaevor/go-nanoid"
)

// Invite codes skip look-alike characters (0/O, 1/I/L) so they can be read aloud.
const (
	JoinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	JoinCodeLength   = 6
)

// JoinCodeGenerator returns a generator of fresh invite codes.
func JoinCodeGenerator() (func() string, error) {
	return nanoid.CustomASCII(JoinCodeAlphabet, JoinCodeLength)
}

// NormalizeJoinCode upper-cases and trims user input.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func IsValidJoinCode(code string) bool {
	if len(code) != JoinCodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(JoinCodeAlphabet, c) {
			return false
		}
	}
	return true
}
