package near

import "fmt"

const (
	MinAccountIDLen = 2
	MaxAccountIDLen = 64
)

// AccountID is a NEAR account name such as "relayer.testnet".
type AccountID string

func (a AccountID) String() string { return string(a) }

// Validate enforces NEAR account id rules: 2-64 chars of [a-z0-9] joined by
// single '-', '_' or '.' separators that never lead or trail.
func (a AccountID) Validate() error {
	s := string(a)
	if len(s) < MinAccountIDLen || len(s) > MaxAccountIDLen {
		return fmt.Errorf("%w: %q has length %d, want %d..%d", ErrInvalidAccountID, s, len(s), MinAccountIDLen, MaxAccountIDLen)
	}
	lastSeparator := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			lastSeparator = false
		case c == '-' || c == '_' || c == '.':
			if lastSeparator {
				return fmt.Errorf("%w: %q has a misplaced separator at %d", ErrInvalidAccountID, s, i)
			}
			lastSeparator = true
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidAccountID, s, c)
		}
	}
	if lastSeparator {
		return fmt.Errorf("%w: %q ends with a separator", ErrInvalidAccountID, s)
	}
	return nil
}
