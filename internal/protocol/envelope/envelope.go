// Package envelope is the wire codec: JSON frames wrapping the tagged
// envelope union, plus payload validation.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ngoclp2000/VIChat/internal/model"
)

var validate = validator.New()

// DecodeFrame parses a raw websocket frame. The envelope payload stays raw;
// decode it by type with Payload.
func DecodeFrame(data []byte) (*model.Frame, error) {
	var f model.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Action == "" {
		return nil, fmt.Errorf("decode frame: missing action")
	}
	return &f, nil
}

func EncodeFrame(env model.Envelope) ([]byte, error) {
	return json.Marshal(model.Frame{Action: model.FrameActionEnvelope, Payload: env})
}

// EncodeEvent builds a non-envelope frame, e.g. conversation.created. The
// payload type stays empty: event frames are identified by their action, and
// a consumer switching on Payload.Type first must not mistake them for
// messages.
func EncodeEvent(action string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Frame{
		Action:  action,
		Payload: model.Envelope{Payload: data},
	})
}

// Payload decodes and validates an envelope payload into T.
func Payload[T any](env model.Envelope) (*T, error) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("validate %s payload: %w", env.Type, err)
	}
	return &p, nil
}

// Message decodes a message envelope and checks the fields the gateway relies
// on before anything touches the stores.
func Message(env model.Envelope) (*model.Message, error) {
	if env.Type != model.EnvelopeMessage {
		return nil, fmt.Errorf("not a message envelope: %s", env.Type)
	}
	return Payload[model.Message](env)
}
