package model

// Envelope is the unit that travels the fan-out bus for one session group.
// SenderChannel is an opaque back-reference to the publishing connection,
// used by receivers to suppress self-delivery.
type Envelope struct {
	SenderRole    Role           `json:"sender_role"`
	SenderChannel string         `json:"sender_channel"`
	Msg           *string        `json:"msg"`
	Data          map[string]any `json:"data"`
}
