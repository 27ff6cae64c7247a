package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrUnknownAction is returned when decoding an action no type exists for.
	ErrUnknownAction = errors.New("protocol: unknown action")
	// ErrUnsupported is returned when a receiver does not handle a message kind.
	ErrUnsupported = errors.New("protocol: unsupported message")
)

var emptyEnvelope = []byte(`{}`)

// Envelope is a decoded message with its wire metadata.
type Envelope struct {
	Action  Action
	SentAt  strfmt.DateTime
	Message Message
}

// Encode writes msg into an envelope stamped with sentAt.
func Encode(msg Message, sentAt time.Time) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: nil message")
	}

	result, err := sjson.SetBytes(emptyEnvelope, "action", string(msg.Action()))
	if err != nil {
		return nil, err
	}

	at, err := strfmt.DateTime(sentAt.UTC()).MarshalText()
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "sentAt", string(at))
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msg.Action(), err)
	}
	return sjson.SetRawBytes(result, "payload", payload)
}

// Decode reads an envelope. A missing payload decodes to the zero message.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("protocol: invalid json: %s", data)
	}

	action := gjson.GetBytes(data, "action")
	if !action.Exists() || action.String() == "" {
		return Envelope{}, fmt.Errorf("protocol: missing required field 'action'")
	}

	env := Envelope{Action: Action(action.String())}
	msg, ok := New(env.Action)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}

	if sentAt := gjson.GetBytes(data, "sentAt"); sentAt.Exists() {
		if err := env.SentAt.UnmarshalText([]byte(sentAt.String())); err != nil {
			return Envelope{}, fmt.Errorf("protocol: invalid sentAt: %w", err)
		}
	}

	payload := gjson.GetBytes(data, "payload")
	if payload.Exists() && payload.Type != gjson.Null {
		decoded, err := decodePayload(msg, []byte(payload.Raw))
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: %s payload: %w", env.Action, err)
		}
		msg = decoded
	}
	env.Message = msg
	return env, nil
}

func decodePayload(msg Message, raw []byte) (Message, error) {
	switch msg.(type) {
	case SiteDetected:
		return unmarshalAs[SiteDetected](raw)
	case PromptCaptured:
		return unmarshalAs[PromptCaptured](raw)
	case ResponseCaptured:
		return unmarshalAs[ResponseCaptured](raw)
	case TotalsChanged:
		return unmarshalAs[TotalsChanged](raw)
	case Totals:
		return unmarshalAs[Totals](raw)
	case Snapshot:
		return unmarshalAs[Snapshot](raw)
	case Failure:
		return unmarshalAs[Failure](raw)
	default:
		// payload-less kinds
		return msg, nil
	}
}

func unmarshalAs[T Message](raw []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
