// Package netpolicy answers whether a download may use the currently
// active network connection, and under which size limits.
package netpolicy

import "sync"

// Type identifies the class of the active network connection.
type Type int

const (
	// TypeMetered covers mobile and other pay-per-byte connections.
	TypeMetered Type = iota
	// TypeWifi covers wifi and unmetered LAN connections; size limits
	// never apply to these.
	TypeWifi
)

func (t Type) String() string {
	switch t {
	case TypeMetered:
		return "metered"
	case TypeWifi:
		return "wifi"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of a network eligibility check.
type Verdict int

const (
	// VerdictOK means the network is usable for the download.
	VerdictOK Verdict = iota + 1
	// VerdictNoConnection means there is no connectivity at all.
	VerdictNoConnection
	// VerdictUnusableDueToSize means the download exceeds the hard size
	// ceiling for the current network.
	VerdictUnusableDueToSize
	// VerdictRecommendedUnusableDueToSize means the download exceeds the
	// soft size ceiling; the user may confirm to proceed anyway.
	VerdictRecommendedUnusableDueToSize
	// VerdictCannotUseRoaming means the connection is roaming and the
	// download disallows roaming.
	VerdictCannotUseRoaming
	// VerdictTypeDisallowed means the requesting app excluded the current
	// network type.
	VerdictTypeDisallowed
)

// String returns a non-localized message suitable for logging.
func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "network is usable"
	case VerdictNoConnection:
		return "no network connection available"
	case VerdictUnusableDueToSize:
		return "download size exceeds limit for metered network"
	case VerdictRecommendedUnusableDueToSize:
		return "download size exceeds recommended limit for metered network"
	case VerdictCannotUseRoaming:
		return "download cannot use the current network connection because it is roaming"
	case VerdictTypeDisallowed:
		return "download was requested to not use the current network type"
	default:
		return "unknown error with network connectivity"
	}
}

// Oracle reports current connectivity and the configured byte-size
// ceilings for metered networks. Implementations must be safe for
// concurrent use; all methods are pure queries.
type Oracle interface {
	// ActiveNetworkType returns the type of the active connection, or
	// ok=false when there is no connectivity.
	ActiveNetworkType() (t Type, ok bool)

	// IsRoaming reports whether the active connection is roaming.
	IsRoaming() bool

	// MaxBytesOverMetered returns the hard size ceiling for metered
	// networks, or 0 when there is no limit.
	MaxBytesOverMetered() int64

	// RecommendedMaxBytesOverMetered returns the soft size ceiling for
	// metered networks, or 0 when there is no recommended limit. The
	// user can bypass this one per download.
	RecommendedMaxBytesOverMetered() int64
}

// Static is an Oracle fed from configuration. Connectivity state can be
// swapped at runtime, which also makes it the test double of choice.
type Static struct {
	mu             sync.RWMutex
	connected      bool
	netType        Type
	roaming        bool
	maxBytes       int64
	recommendedMax int64
}

// NewStatic returns an oracle that starts out connected to the given
// network type with the given metered-network ceilings.
func NewStatic(t Type, maxBytes, recommendedMax int64) *Static {
	return &Static{
		connected:      true,
		netType:        t,
		maxBytes:       maxBytes,
		recommendedMax: recommendedMax,
	}
}

// SetNetwork replaces the connectivity state.
func (s *Static) SetNetwork(t Type, connected, roaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.netType = t
	s.connected = connected
	s.roaming = roaming
}

func (s *Static) ActiveNetworkType() (Type, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.netType, s.connected
}

func (s *Static) IsRoaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.roaming
}

func (s *Static) MaxBytesOverMetered() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.maxBytes
}

func (s *Static) RecommendedMaxBytesOverMetered() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.recommendedMax
}
