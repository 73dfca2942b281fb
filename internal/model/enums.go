package model

type PairingState string

const (
	PairingStatePending  PairingState = "pending"
	PairingStateVerified PairingState = "verified"
	PairingStateActive   PairingState = "active"
	PairingStateConsumed PairingState = "consumed"
	PairingStateExpired  PairingState = "expired"
)

// IsLive reports whether a record in this state may still progress.
func (s PairingState) IsLive() bool {
	switch s {
	case PairingStatePending, PairingStateVerified, PairingStateActive:
		return true
	}
	return false
}

// CloseReason values recorded when a record leaves a live state.
const (
	CloseReasonSuperseded       = "superseded"
	CloseReasonDisconnect       = "disconnect"
	CloseReasonHeartbeatTimeout = "heartbeat_timeout"
	CloseReasonSocketError      = "socket_error"
	CloseReasonShutdown         = "shutdown"
	CloseReasonExpired          = "expired"
)

// Role identifies who is asking the remote machine to run a command.
type Role string

const (
	RoleRequester Role = "requester"
	RoleAgent     Role = "agent"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleAgent, RoleAdmin:
		return true
	}
	return false
}
