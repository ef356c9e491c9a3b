package telegram

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidAddress = errors.New("not a valid token address")

	evmAddress    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	solanaAddress = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidateAddress accepts EVM (0x + 40 hex) and Solana (base58) token
// addresses. EVM addresses are lower-cased so one token maps to one key.
func ValidateAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case evmAddress.MatchString(s):
		return strings.ToLower(s), nil
	case solanaAddress.MatchString(s):
		return s, nil
	default:
		return "", ErrInvalidAddress
	}
}
