package model

import "strings"

// Channel is the conversation medium a reply is generated for.
type Channel string

const (
	ChannelWeb Channel = "web"
	ChannelSMS Channel = "sms"
)

// ChatRequest is the payload the bridge extracts from a patient
// session_message and forwards to the generation collaborator.
type ChatRequest struct {
	ThreadID          string         `json:"thread_id"`
	Message           string         `json:"message"`
	Channel           Channel        `json:"channel"`
	Invoice           map[string]any `json:"invoice,omitempty"`
	StripePaymentLink string         `json:"stripe_payment_link,omitempty"`
	WebAppLink        string         `json:"web_app_link,omitempty"`
}

// ParseChatData interprets the data object of an inbound session_message.
// Only data.type "chat" (or the legacy "chat_message") is a chat payload;
// anything else returns ok=false. A chat payload without a message is
// likewise ignored. Payment/webapp links may ride either at the top level or
// inside the invoice blob.
func ParseChatData(sessionID string, data map[string]any) (*ChatRequest, bool) {
	switch stringField(data, "type") {
	case "chat", "chat_message":
	default:
		return nil, false
	}

	message := stringField(data, "message")
	if message == "" {
		return nil, false
	}

	req := &ChatRequest{
		ThreadID: sessionID,
		Message:  message,
		Channel:  ChannelWeb,
	}
	if tid := strings.TrimSpace(stringField(data, "thread_id")); tid != "" {
		req.ThreadID = tid
	}
	if Channel(strings.ToLower(stringField(data, "channel"))) == ChannelSMS {
		req.Channel = ChannelSMS
	}

	invoice, _ := data["invoice"].(map[string]any)
	req.Invoice = invoice

	req.StripePaymentLink = stringField(data, "stripe_payment_link")
	if req.StripePaymentLink == "" {
		req.StripePaymentLink = stringField(invoice, "stripe_payment_link")
	}
	req.WebAppLink = stringField(data, "web_app_link")
	if req.WebAppLink == "" {
		req.WebAppLink = stringField(invoice, "web_app_link")
	}

	return req, true
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
