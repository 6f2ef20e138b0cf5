// Package codec turns inbound text frames into envelopes.
//
// A frame whose first byte is '{' is decoded as a flat JSON object with the
// optional string fields recipient_uuid and message. Any other frame,
// including one that looks like a JSON array, is plain text and becomes the
// payload verbatim.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ControlConnected is the message value that announces a stable identity.
const ControlConnected = "connected"

var (
	// ErrNotObject is returned when a structured frame does not decode to an object.
	ErrNotObject = errors.New("codec: frame is not a JSON object")
	// ErrFieldType is returned when a known field is not a string.
	ErrFieldType = errors.New("codec: field must be a string")

	errTrailingData = errors.New("codec: decode: trailing data after object")
)

// Envelope is the decoded form of one frame.
type Envelope struct {
	RecipientKey string
	HasRecipient bool
	Payload      string
}

// IsIdentify reports whether e is the "connected" control message with a usable key.
func (e Envelope) IsIdentify() bool {
	return e.Payload == ControlConnected && e.HasRecipient && e.RecipientKey != ""
}

type Kind uint8

const (
	KindPlain Kind = iota
	KindStructured
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindStructured:
		return "structured"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Result is a tagged variant: Envelope is meaningful for KindPlain and
// KindStructured, Err for KindInvalid.
type Result struct {
	Kind     Kind
	Envelope Envelope
	Err      error
}

// Parse classifies and decodes one frame. It never panics and never closes
// anything; what to do with KindInvalid is up to the caller.
func Parse(raw string) Result {
	if len(raw) == 0 || raw[0] != '{' {
		return Result{Kind: KindPlain, Envelope: Envelope{Payload: raw}}
	}
	env, err := decodeObject([]byte(raw))
	if err != nil {
		return Result{Kind: KindInvalid, Err: err}
	}
	return Result{Kind: KindStructured, Envelope: env}
}

func decodeObject(b []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&fields); err != nil {
		var ute *json.UnmarshalTypeError
		if errors.As(err, &ute) {
			return Envelope{}, ErrNotObject
		}
		return Envelope{}, fmt.Errorf("codec: decode: %w", err)
	}
	// Only whitespace may follow the object; More alone misses a stray '}' or ']'.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Envelope{}, errTrailingData
	}

	var env Envelope
	if raw, ok := fields["recipient_uuid"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &env.RecipientKey); err != nil {
			return Envelope{}, fmt.Errorf("recipient_uuid: %w", ErrFieldType)
		}
		env.HasRecipient = true
	}
	if raw, ok := fields["message"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &env.Payload); err != nil {
			return Envelope{}, fmt.Errorf("message: %w", ErrFieldType)
		}
	}
	return env, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

type wireEnvelope struct {
	RecipientUUID string `json:"recipient_uuid,omitempty"`
	Message       string `json:"message"`
}

// Encode renders an envelope in the client wire format.
func Encode(recipientKey, payload string) string {
	b, _ := json.Marshal(wireEnvelope{RecipientUUID: recipientKey, Message: payload})
	return string(b)
}

// Broadcast is the payload relayed between nodes for keys owned elsewhere.
type Broadcast struct {
	RecipientKey string `json:"recipient_key"`
	Message      string `json:"message"`
	Origin       string `json:"origin,omitempty"`
}

func EncodeBroadcast(b Broadcast) ([]byte, error) {
	return json.Marshal(b)
}

func DecodeBroadcast(data []byte) (Broadcast, error) {
	var b Broadcast
	if err := json.Unmarshal(data, &b); err != nil {
		return Broadcast{}, fmt.Errorf("codec: broadcast: %w", err)
	}
	return b, nil
}
