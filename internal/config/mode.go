package config

import "fmt"

// Mode selects how the connection to the backend is established.
type Mode string

const (
	// ModeDial actively dials the backend at host:port.
	ModeDial Mode = "dial"
	// ModeAccept listens on port and accepts a single inbound connection.
	ModeAccept Mode = "accept"
)

// NormalizeMode maps alias mode names to their canonical values.
//
// Alias mappings:
//   - "", "connect", "active" -> "dial"
//   - "listen", "passive" -> "accept"
func NormalizeMode(mode string) (Mode, error) {
	switch mode {
	case "", "dial", "connect", "active":
		return ModeDial, nil
	case "accept", "listen", "passive":
		return ModeAccept, nil
	default:
		return "", fmt.Errorf("unknown connection mode %q", mode)
	}
}
