package tunnel

import (
	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/model"
)

type FrameType string

const (
	FrameHandshake    FrameType = "handshake"
	FrameHandshakeAck FrameType = "handshake_ack"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameHeartbeatAck FrameType = "heartbeat_ack"
	FrameExecute      FrameType = "execute"
	FrameOutput       FrameType = "output"
	FrameError        FrameType = "error"
	FrameExit         FrameType = "exit"
	FrameCancel       FrameType = "cancel"
	FrameCancelled    FrameType = "cancelled"
	FrameChat         FrameType = "chat"
	FrameDisconnect   FrameType = "disconnect"
)

// Frame is the single JSON envelope carried over every tunnel socket.
// Fields irrelevant to a type are omitted on the wire.
type Frame struct {
	Type      FrameType  `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	CommandID string     `json:"command_id,omitempty"`
	Command   string     `json:"command,omitempty"`
	Cwd       string     `json:"cwd,omitempty"`
	Role      model.Role `json:"role,omitempty"`
	Data      string     `json:"data,omitempty"`
	// Code is the exit status on exit and cancelled frames.
	Code      *int   `json:"code,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// FromConsole reports whether a console may send this frame type to the remote.
func (t FrameType) FromConsole() bool {
	switch t {
	case FrameExecute, FrameCancel, FrameChat:
		return true
	}
	return false
}

// FromRemote reports whether a remote may send this frame type to the console.
func (t FrameType) FromRemote() bool {
	switch t {
	case FrameOutput, FrameError, FrameExit, FrameCancelled, FrameChat:
		return true
	}
	return false
}

// IsTerminal reports whether the frame ends a command.
func (t FrameType) IsTerminal() bool {
	return t == FrameExit || t == FrameCancelled
}

func ExitFrame(commandID string, code int) Frame {
	return Frame{Type: FrameExit, CommandID: commandID, Code: &code}
}

func CancelledFrame(commandID string, code int) Frame {
	return Frame{Type: FrameCancelled, CommandID: commandID, Code: &code}
}

func OutputFrame(commandID, data string) Frame {
	return Frame{Type: FrameOutput, CommandID: commandID, Data: data}
}

// StderrFrame carries process stderr. It shares the error type with
// protocol errors but fills Data instead of Message.
func StderrFrame(commandID, data string) Frame {
	return Frame{Type: FrameError, CommandID: commandID, Data: data}
}

// ErrorFrame reports err to a peer. AppError codes and messages pass through;
// anything else is reported as an internal error.
func ErrorFrame(commandID string, err error) Frame {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("Internal error")
	}
	return Frame{
		Type:      FrameError,
		CommandID: commandID,
		ErrorCode: string(appErr.Code),
		Message:   appErr.Message,
	}
}

func DisconnectFrame(reason string) Frame {
	return Frame{Type: FrameDisconnect, Reason: reason}
}
