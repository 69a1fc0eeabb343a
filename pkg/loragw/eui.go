package loragw

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// IsZero reports whether no gateway ID has been set.
func (e EUI64) IsZero() bool {
	return e == EUI64{}
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText accepts 16 hex digits, optionally separated by '-' or ':'.
func (e *EUI64) UnmarshalText(text []byte) error {
	s := strings.NewReplacer("-", "", ":", "").Replace(string(text))

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid EUI64 %q: %w", text, err)
	}

	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length %d", len(b))
	}

	copy(e[:], b)
	return nil
}

// ParseEUI64 parses a hex gateway ID.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	err := e.UnmarshalText([]byte(s))
	return e, err
}
