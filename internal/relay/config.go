package relay

import (
	"fmt"
)

// Mode is the coordination mode of a server pair.
type Mode string

const (
	// ModeSolo runs without a partner; the server is always primary.
	ModeSolo Mode = "solo"

	// ModeWatch links to the partner and replicates, but roles stay fixed
	// to the configured primary.
	ModeWatch Mode = "watch"

	// ModePair links to the partner and lets the secondary take over when
	// the primary stops updating its status.
	ModePair Mode = "pair"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSolo, ModeWatch, ModePair:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid relay mode %q: must be solo, watch or pair", s)
}

// RelayConfig is the replicated coordination configuration. Either server
// may issue a new one; the most recent ModeTimestamp wins.
type RelayConfig struct {
	Mode              Mode  `json:"relay_mode"`
	ConfiguredPrimary int   `json:"configured_primary"`
	ModeTimestamp     int64 `json:"mode_timestamp"`
}

// Validate checks field ranges.
func (c RelayConfig) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.ConfiguredPrimary != 1 && c.ConfiguredPrimary != 2 {
		return fmt.Errorf("invalid configured primary %d: must be 1 or 2", c.ConfiguredPrimary)
	}
	return nil
}

// IsNewerThan reports whether c was issued after other.
func (c RelayConfig) IsNewerThan(other RelayConfig) bool {
	return c.ModeTimestamp > other.ModeTimestamp
}

// Newest returns the most recently issued of a and b, preferring a on a tie.
func Newest(a, b RelayConfig) RelayConfig {
	if b.IsNewerThan(a) {
		return b
	}
	return a
}

func (c RelayConfig) String() string {
	return fmt.Sprintf("%s/primary=%d@%d", c.Mode, c.ConfiguredPrimary, c.ModeTimestamp)
}
