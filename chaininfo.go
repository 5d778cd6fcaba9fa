package netcore

import "fmt"

// ProtocolVersion is a semantic (major.minor.patch) protocol version,
// exchanged during the handshake and compared against a chain's minimum
// supported version and the tarpit threshold.
type ProtocolVersion struct {
	Major, Minor, Patch uint32
}

// String renders "major.minor.patch".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater than
// other, comparing major then minor then patch.
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	switch {
	case v.Major != other.Major:
		return cmp(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmp(v.Minor, other.Minor)
	default:
		return cmp(v.Patch, other.Patch)
	}
}

func cmp(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// LessOrEqual reports whether v <= other.
func (v ProtocolVersion) LessOrEqual(other ProtocolVersion) bool { return v.Compare(other) <= 0 }

// ChainInfo identifies the chain/network a node belongs to and the minimum
// protocol version it accepts from peers. It is extracted once from
// configuration at startup and never changes.
type ChainInfo struct {
	// NetworkName is the chain/network identifier exchanged in the
	// handshake record; a mismatch is a handshake failure (ChainMismatch).
	NetworkName string
	// OurVersion is this node's own protocol version, advertised to peers.
	OurVersion ProtocolVersion
	// MinimumVersion is the lowest peer protocol version this node accepts;
	// below it the handshake fails with IncompatibleVersion.
	MinimumVersion ProtocolVersion
}
