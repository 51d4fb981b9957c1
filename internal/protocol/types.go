package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags an Envelope. The set below is closed: anything else is rejected
// by Decode.
type Kind string

const (
	KindJoinRequest   Kind = "JOIN_REQUEST"
	KindJoinResponse  Kind = "JOIN_RESPONSE"
	KindStateUpdate   Kind = "STATE_UPDATE"
	KindRateUpdate    Kind = "RATE_UPDATE"
	KindTapEvent      Kind = "TAP_EVENT"
	KindSessionClosed Kind = "SESSION_CLOSED"
)

func (k Kind) Valid() bool {
	switch k {
	case KindJoinRequest, KindJoinResponse, KindStateUpdate,
		KindRateUpdate, KindTapEvent, KindSessionClosed:
		return true
	}
	return false
}

// Envelope is the wire form: {"type":"...","payload":{...},"senderId":"..."}
type Envelope struct {
	Type     Kind            `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

type JoinRequest struct {
	Nickname string `json:"nickname"`
}

type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type PlayerPayload struct {
	ID         string `json:"id"`
	Nickname   string `json:"nickname"`
	Rate       int    `json:"rate"`
	LastInput  int64  `json:"lastInput"` // unix ms, 0 if never
	IsHost     bool   `json:"isHost"`
	TotalScore int    `json:"totalScore"`
	RoundScore int    `json:"roundScore"`
}

type StateUpdate struct {
	Roster               []PlayerPayload `json:"roster"`
	TargetRate           int             `json:"targetRate"`
	Status               string          `json:"status"`     // LOBBY|ROOM|PLAYING
	RoundPhase           string          `json:"roundPhase"` // CONFIG|ACTIVE|RESULTS_RATE|RESULTS_SCORES|FINAL
	RoundDurationSeconds int             `json:"roundDurationSeconds"`
	RemainingSeconds     int             `json:"remainingSeconds"`
}

type RateUpdate struct {
	Rate     int    `json:"rate"`
	Nickname string `json:"nickname,omitempty"`
}

type TapEvent struct{}

type SessionClosed struct{}

// Message is one decoded variant of the closed union above.
type Message interface {
	Kind() Kind
}

func (JoinRequest) Kind() Kind   { return KindJoinRequest }
func (JoinResponse) Kind() Kind  { return KindJoinResponse }
func (StateUpdate) Kind() Kind   { return KindStateUpdate }
func (RateUpdate) Kind() Kind    { return KindRateUpdate }
func (TapEvent) Kind() Kind      { return KindTapEvent }
func (SessionClosed) Kind() Kind { return KindSessionClosed }

// Encode wraps msg into an envelope stamped with the sender.
func Encode(sender string, msg Message) Envelope {
	return Envelope{
		Type:     msg.Kind(),
		Payload:  mustJSON(msg),
		SenderID: sender,
	}
}

// Decode returns the typed payload of env.
func Decode(env Envelope) (Message, error) {
	var (
		msg Message
		err error
	)
	switch env.Type {
	case KindJoinRequest:
		var p JoinRequest
		err = unmarshalPayload(env.Payload, &p)
		msg = p
	case KindJoinResponse:
		var p JoinResponse
		err = unmarshalPayload(env.Payload, &p)
		msg = p
	case KindStateUpdate:
		var p StateUpdate
		err = unmarshalPayload(env.Payload, &p)
		msg = p
	case KindRateUpdate:
		var p RateUpdate
		err = unmarshalPayload(env.Payload, &p)
		msg = p
	case KindTapEvent:
		msg = TapEvent{}
	case KindSessionClosed:
		msg = SessionClosed{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return msg, nil
}

// empty payloads are fine for every kind
func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
