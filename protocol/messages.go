package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope protocol version stamped on every frame.
const Version = 1

// Connection lifecycle and control frames.
const (
	TypeHello     = "HELLO"
	TypeAuth      = "AUTH"
	TypePing      = "PING"
	TypePong      = "PONG"
	TypeAck       = "ACK"
	TypeReconnect = "RECONNECT"
)

// Signaling frames.
const (
	TypeRoomJoin      = "ROOM_JOIN"
	TypeRoomLeave     = "ROOM_LEAVE"
	TypeProducerNew   = "PRODUCER_NEW"
	TypeProducerClose = "PRODUCER_CLOSE"
	TypeConsumerNew   = "CONSUMER_NEW"
	TypeConsumerClose = "CONSUMER_CLOSE"
	TypeRekey         = "REKEY"
	TypeChatWrite     = "CHAT_WRITE"
)

type Envelope struct {
	Version   int    `json:"v" msgpack:"v"`
	Type      string `json:"type" msgpack:"type"`
	MessageID string `json:"id" msgpack:"id"`
	Timestamp int64  `json:"ts" msgpack:"ts"` // ms epoch, informational only.

	// Zero means the frame is not ordered.
	Sequence uint64 `json:"seq,omitempty" msgpack:"seq,omitempty"`

	// Only present on ACK frames.
	Acknowledgement *Acknowledgement `json:"ack,omitempty" msgpack:"ack,omitempty"`

	// Opaque correlation identifiers, never interpreted.
	Trace map[string]string `json:"trace,omitempty" msgpack:"trace,omitempty"`

	Payload json.RawMessage `json:"p,omitempty" msgpack:"p,omitempty"`
}

type Acknowledgement struct {
	AcknowledgedMessageID string    `json:"acknowledgedMessageId" msgpack:"acknowledgedMessageId"`
	Success               bool      `json:"success" msgpack:"success"`
	Error                 *AckError `json:"error,omitempty" msgpack:"error,omitempty"`
}

// AckError is the structured failure a remote reports in a negative ACK.
type AckError struct {
	Code      string `json:"code" msgpack:"code"`
	Message   string `json:"message" msgpack:"message"`
	Retryable bool   `json:"retryable,omitempty" msgpack:"retryable,omitempty"`
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return "ack error " + e.Code
	}
	return "ack error " + e.Code + ": " + e.Message
}

// Hello is the connection header sent as the first frame of every transport.
type Hello struct {
	DeviceID      string `json:"device_id" msgpack:"device_id"`
	Hostname      string `json:"hostname,omitempty" msgpack:"hostname,omitempty"`
	ClientVersion string `json:"client_version,omitempty" msgpack:"client_version,omitempty"`
}

// NewEnvelope mints a fresh message identity for a frame of the given type.
// A nil payload produces a frame without a body.
func NewEnvelope(frameType string, payload interface{}) (*Envelope, error) {
	e := &Envelope{
		Version:   Version,
		Type:      frameType,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return e, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		e.Payload = raw
		return e, nil
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e.Payload = p
	return e, nil
}

// NewAck builds the acknowledgement for messageID. A nil ackErr means success.
func NewAck(messageID string, ackErr *AckError) *Envelope {
	return &Envelope{
		Version:   Version,
		Type:      TypeAck,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Acknowledgement: &Acknowledgement{
			AcknowledgedMessageID: messageID,
			Success:               ackErr == nil,
			Error:                 ackErr,
		},
	}
}

func (e *Envelope) IsAck() bool {
	return e.Type == TypeAck && e.Acknowledgement != nil
}

func (e *Envelope) DecodePayload(target interface{}) error {
	return json.Unmarshal(e.Payload, target)
}
