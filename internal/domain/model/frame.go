package model

import "encoding/json"

// Client → server frame kinds.
const (
	FrameHello     = "hello"
	FramePresence  = "presence"
	FrameBroadcast = "broadcast"
)

// Server → client frame kinds. SessionMessage carries human-origin payloads,
// Broadcast carries AI-origin payloads; the two are distinct on the wire so
// clients can render AI stream events separately from human chat.
const (
	FrameConnected      = "connected"
	FrameHelloAck       = "hello_ack"
	FrameSessionMessage = "session_message"
	FrameEcho           = "echo"
	FrameError          = "error"
)

// ClientFrame is the decoded shape of an inbound WebSocket message. Unknown
// fields are dropped; the raw bytes are kept for echo replies.
type ClientFrame struct {
	Type     string          `json:"type"`
	UserType string          `json:"user_type"`
	From     string          `json:"from"` // legacy alias for user_type
	Msg      *string         `json:"msg"`
	Data     map[string]any  `json:"data"`
	Raw      json.RawMessage `json:"-"`
}

// DecodeClientFrame parses an inbound text frame, preserving the original
// bytes for echo.
func DecodeClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	f.Raw = append(json.RawMessage(nil), raw...)
	return &f, nil
}

// AdmissionRole returns the user_type carried by the frame, honoring the
// legacy "from" alias, or "" when absent.
func (f *ClientFrame) AdmissionRole() string {
	if f.UserType != "" {
		return f.UserType
	}
	return f.From
}

type ConnectedFrame struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	ConnectionID     string `json:"connection_id"`
	UserTypeRequired bool   `json:"user_type_required"`
}

type HelloAckFrame struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	UserType     Role   `json:"user_type"`
}

type PresenceFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Count     int              `json:"count"`
	ByType    map[string]int   `json:"by_type"`
	Members   []PresenceMember `json:"members"`
}

// DeliveryFrame is a fanned-out payload frame (session_message or broadcast).
// Msg and Data are always present on the wire, null when unset.
type DeliveryFrame struct {
	Type     string         `json:"type"`
	UserType Role           `json:"user_type"`
	Msg      *string        `json:"msg"`
	Data     map[string]any `json:"data"`
}

type EchoFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ErrorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func NewErrorFrame(code string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Error: code}
}

// Application close code for admission failures (missing/invalid role,
// broadcast before admission, bad credentials).
const CloseAdmissionFailed = 4401
