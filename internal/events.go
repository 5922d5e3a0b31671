package internal

import (
	"encoding/json"
	"fmt"
)

// Event is the wire envelope for both directions: a discriminant type
// plus a typed payload.
type Event[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

type EventType string

// Inbound (member -> coordinator).
const (
	EventJoin               EventType = "join"
	EventHeartbeat          EventType = "heartbeat"
	EventSessionDescription EventType = "session-description"
	EventIceCandidate       EventType = "ice-candidate"
	EventStartRound         EventType = "start-round"
	EventUpdateLines        EventType = "update-lines"
	EventUpdateDrawArea     EventType = "update-drawarea"
	EventNewMessage         EventType = "new-message"
	EventDisconnect         EventType = "disconnect"
)

// Outbound (coordinator -> member(s)).
const (
	EventAddPeer             EventType = "add-peer"
	EventRemovePeer          EventType = "remove-peer"
	EventData                EventType = "event-data"
	EventUpdateRound         EventType = "update-current-round"
	EventUpdatePartialRound  EventType = "update-partial-current-round"
	EventShowResult          EventType = "show-result"
)

// ServerEvent is a pre-encoded outbound event; payloads are marshalled
// once and fanned out as-is.
type ServerEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewServerEvent(t EventType, data any) (ServerEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ServerEvent{}, fmt.Errorf("encode %s event: %w", t, err)
	}
	return ServerEvent{Type: t, Data: raw}, nil
}

// ClientEvent is one decoded inbound event. Exactly one payload field is
// non-zero, matching Type; the decode happens once at the socket boundary
// so the state machine never sees raw JSON.
type ClientEvent struct {
	Type     EventType
	Signal   *SignalPayload
	Start    *StartRoundPayload
	Lines    *UpdateLinesPayload
	DrawArea *UpdateDrawAreaPayload
	Message  *Message
}

// SignalPayload addresses one signaling datum at a single peer. Data is
// opaque: the relay never inspects SDP or candidate contents.
type SignalPayload struct {
	To   string          `json:"to"`
	From string          `json:"from,omitempty"` // re-assigned server-side from the socket identity
	Data json.RawMessage `json:"data"`
}

type StartRoundPayload struct {
	RoundId   string      `json:"roundId"`
	Word      string      `json:"word"`
	StartTime int64       `json:"startTime"`
	Status    RoundStatus `json:"status"`
}

type UpdateLinesPayload struct {
	RoundId string  `json:"roundId"`
	Lines   []*Line `json:"lines"`
}

type UpdateDrawAreaPayload struct {
	RoundId string       `json:"roundId"`
	Size    DrawAreaSize `json:"size"`
}

// Outbound payload shapes.

type PeerInfo struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type AddPeerPayload struct {
	Peer  PeerInfo `json:"peer"`
	Offer bool     `json:"offer"`
}

type RemovePeerPayload struct {
	PeerId string `json:"peerId"`
}

type SignalForwardPayload struct {
	PeerId string          `json:"peerId"`
	Data   json.RawMessage `json:"data"`
}

type PartialRoundPayload struct {
	RoundId             string           `json:"roundId"`
	Status              *RoundStatus     `json:"status,omitempty"`
	StartTime           *int64           `json:"startTime,omitempty"`
	Word                *string          `json:"word,omitempty"`
	WordsForDraw        []string         `json:"wordsForDraw,omitempty"`
	WordChoiceStartTime *int64           `json:"wordChoiceStartTime,omitempty"`
	Hints               []int            `json:"hints,omitempty"`
	Messages            []*Message       `json:"messages,omitempty"`
	Lines               []*Line          `json:"lines,omitempty"`
	DrawAreaSize        *DrawAreaSize    `json:"drawAreaSize,omitempty"`
	CorrectAnswers      map[string]int64 `json:"correctAnswers,omitempty"`
}

type ShowResultPayload struct {
	RoundId string          `json:"roundId"`
	Results []*PlayerResult `json:"results"`
}

var ErrUnknownEvent = fmt.Errorf("unknown event type")

// DecodeClientEvent validates and decodes one raw inbound frame into the
// tagged union. Unknown types and malformed payloads are rejected here,
// before anything reaches the relay or the round machine.
func DecodeClientEvent(raw []byte) (ClientEvent, error) {
	var envelope Event[json.RawMessage]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ClientEvent{}, fmt.Errorf("decode event envelope: %w", err)
	}

	evt := ClientEvent{Type: envelope.Type}
	switch envelope.Type {
	case EventJoin, EventHeartbeat, EventDisconnect:
		// No payload.
	case EventSessionDescription, EventIceCandidate:
		var p SignalPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return ClientEvent{}, fmt.Errorf("decode %s payload: %w", envelope.Type, err)
		}
		if p.To == "" {
			return ClientEvent{}, fmt.Errorf("%s payload missing destination peer", envelope.Type)
		}
		evt.Signal = &p
	case EventStartRound:
		var p StartRoundPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return ClientEvent{}, fmt.Errorf("decode start-round payload: %w", err)
		}
		evt.Start = &p
	case EventUpdateLines:
		var p UpdateLinesPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return ClientEvent{}, fmt.Errorf("decode update-lines payload: %w", err)
		}
		evt.Lines = &p
	case EventUpdateDrawArea:
		var p UpdateDrawAreaPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return ClientEvent{}, fmt.Errorf("decode update-drawarea payload: %w", err)
		}
		evt.DrawArea = &p
	case EventNewMessage:
		var m Message
		if err := json.Unmarshal(envelope.Data, &m); err != nil {
			return ClientEvent{}, fmt.Errorf("decode new-message payload: %w", err)
		}
		evt.Message = &m
	default:
		return ClientEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}
	return evt, nil
}
