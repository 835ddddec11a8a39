// Package routing holds the session fan-out delivery policy: given an
// envelope from the bus and one local recipient, decide whether a frame is
// delivered and what it looks like.
package routing

import "github.com/careline/session-relay/internal/domain/model"

// Resolve applies the per-recipient routing rules, in order:
//
//  1. no self-delivery (sender_channel back-reference match);
//  2. operator messages reach patients only;
//  3. AI messages ship under the broadcast frame type, with textual content
//     blanked for operators;
//  4. patient messages reach every other admitted member in full.
//
// Recipients that have not completed the role handshake receive nothing.
// The returned frame is a fresh value; mutating it never touches the
// envelope.
func Resolve(env *model.Envelope, recipientRole model.Role, recipientID string) (*model.DeliveryFrame, bool) {
	if env.SenderChannel == recipientID {
		return nil, false
	}
	if recipientRole == "" {
		return nil, false
	}

	switch env.SenderRole {
	case model.RoleOperator:
		if recipientRole != model.RolePatient {
			return nil, false
		}
		return frame(model.FrameSessionMessage, env), true

	case model.RoleAI:
		f := frame(model.FrameBroadcast, env)
		if recipientRole == model.RoleOperator {
			blankContent(f)
		}
		return f, true

	default:
		return frame(model.FrameSessionMessage, env), true
	}
}

func frame(frameType string, env *model.Envelope) *model.DeliveryFrame {
	return &model.DeliveryFrame{
		Type:     frameType,
		UserType: env.SenderRole,
		Msg:      env.Msg,
		Data:     env.Data,
	}
}

// blankContent strips reply text so operators see that the AI answered
// without seeing what it said.
func blankContent(f *model.DeliveryFrame) {
	if f.Msg != nil {
		empty := ""
		f.Msg = &empty
	}
	if f.Data == nil {
		return
	}
	data := make(map[string]any, len(f.Data))
	for k, v := range f.Data {
		data[k] = v
	}
	if _, ok := data["content"]; ok {
		data["content"] = ""
	}
	f.Data = data
}
