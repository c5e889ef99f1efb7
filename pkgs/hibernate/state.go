package hibernate

import "time"

// LogoutStats mirrors imap_client_state's logout statistics counters
// (spec.md §3, §6). These are opaque to the core beyond being carried
// through on the handoff record.
type LogoutStats struct {
	FetchHdrCount    uint32
	FetchHdrBytes    uint64
	FetchBodyCount   uint32
	FetchBodyBytes   uint64
	DeletedCount     uint32
	ExpungedCount    uint32
	TrashedCount     uint32
	AutoexpungedCount uint32
	AppendCount      uint32
	InputBytesExtra  uint64
	OutputBytesExtra uint64
}

// State is the opaque serialized IMAP session handed to the core by the
// upstream acceptor (spec.md §3 "state"). The core reads a handful of
// scalar fields to drive its own bookkeeping and otherwise treats the
// State blob as a length-prefixed byte string it must not interpret
// (spec.md §9).
type State struct {
	Username      string
	SessionID     string
	SessionCreated time.Time
	Tag           string
	LocalIP       string
	LocalPort     uint16
	RemoteIP      string
	RemotePort    uint16
	MultiplexOstream bool
	UserdbFields  string

	PeerDevMajor uint32
	PeerDevMinor uint32
	PeerIno      uint64

	// Blob is the opaque IMAP-layer state. Never parsed by this core.
	Blob []byte

	IdleCmd               bool
	IdleNotifyIntervalSecs int
	AnvilConnGUID          string

	LogoutStats LogoutStats
}
