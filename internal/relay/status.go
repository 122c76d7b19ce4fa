package relay

// LinkState describes the connection to the partner server.
type LinkState string

const (
	LinkShutdown     LinkState = "shutdown"
	LinkSolo         LinkState = "solo"
	LinkDisconnected LinkState = "disconnected"
	LinkCalling      LinkState = "calling"
	LinkSyncing      LinkState = "syncing"
	LinkLinked       LinkState = "linked"
)

// PrimaryState is the role a server believes it holds.
type PrimaryState string

const (
	PrimaryShutdown    PrimaryState = "shutdown"
	PrimaryNegotiating PrimaryState = "negotiating"
	PrimaryPrimary     PrimaryState = "primary"
	PrimarySecondary   PrimaryState = "secondary"
)

// ProtocolVersion is the relay protocol spoken by this build. Servers with
// different protocol versions never link.
const ProtocolVersion = 1

// ServerStatus is the heartbeat item each server publishes under
// ServerStatusID.
type ServerStatus struct {
	V               int          `json:"v"`
	ServerNumber    int          `json:"server_number"`
	SessionID       string       `json:"session_id"`
	SoftwareVersion string       `json:"software_version"`
	ProtocolVersion int          `json:"protocol_version"`
	Heartbeat       int64        `json:"heartbeat"`
	LinkState       LinkState    `json:"link_state"`
	PrimaryState    PrimaryState `json:"primary_state"`
	Config          RelayConfig  `json:"relay_config"`
}

func (ServerStatus) kind() Kind { return KindServerStatus }

// IsCompatible reports whether a partner status speaks our protocol.
func (s ServerStatus) IsCompatible() bool {
	return s.ProtocolVersion == ProtocolVersion
}

// IsAlive reports whether the status was written by a running server.
func (s ServerStatus) IsAlive() bool {
	return s.PrimaryState != PrimaryShutdown && s.LinkState != LinkShutdown
}

// IsFresh reports whether the heartbeat is within timeout of now.
func (s ServerStatus) IsFresh(now, timeout int64) bool {
	return s.IsAlive() && now-s.Heartbeat <= timeout
}
