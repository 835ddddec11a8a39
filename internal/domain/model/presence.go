package model

// PresenceMember is one live connection as recorded in the presence store.
type PresenceMember struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"-"`
	UserType     Role   `json:"user_type"`
	ConnectedAt  int64  `json:"connected_at"`
	LastSeen     int64  `json:"last_seen"`
}
