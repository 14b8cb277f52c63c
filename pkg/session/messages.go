package session

import (
	"time"

	"github.com/astromechza/session-sync/pkg/predict"
	"github.com/astromechza/session-sync/pkg/register"
)

type MessageType string

const (
	// MessageHello is sent by a participant when it connects, carrying its
	// state vector so the relay can send a catch-up batch.
	MessageHello MessageType = "hello"
	// MessageInput carries one local action to the relay.
	MessageInput MessageType = "input"
	// MessageConfirmed carries the relay's authoritative avatar back.
	MessageConfirmed MessageType = "confirmed"
	// MessageOperations carries register operations in either direction.
	MessageOperations MessageType = "operations"
)

// Envelope is the JSON message exchanged over the sync websocket.
type Envelope struct {
	Type        MessageType          `json:"type"`
	Origin      register.OriginID    `json:"origin,omitempty"`
	Input       *InputMessage        `json:"input,omitempty"`
	Confirmed   *ConfirmedMessage    `json:"confirmed,omitempty"`
	Operations  []register.Operation `json:"operations,omitempty"`
	StateVector register.StateVector `json:"stateVector,omitempty"`
}

type InputMessage struct {
	Sequence predict.Sequence `json:"sequence"`
	SentAt   time.Time        `json:"sentAt"`
	Action   Action           `json:"action"`
}

// ConfirmedMessage is an authoritative avatar. EchoSentAt is the SentAt of
// the input that advanced Sequence; it is only set the first time that input
// is confirmed so a round trip is measured once.
type ConfirmedMessage struct {
	Sequence   predict.Sequence `json:"sequence"`
	State      Avatar           `json:"state"`
	EchoSentAt time.Time        `json:"echoSentAt"`
}
