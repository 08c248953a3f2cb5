package proto

import "encoding/json"

// Inbound is the envelope for messages coming from a connected peer.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	// ProtocolVersion is bumped on any incompatible change to either websocket protocol.
	ProtocolVersion = 1

	InboundTypeHello = "hello"

	// Directory protocol, client -> directory.
	InboundTypeAckPendingLobby  = "ack_pending_lobby"
	InboundTypeNackPendingLobby = "nack_pending_lobby"
	InboundTypeGetConnectToken  = "get_connect_token"

	// Session protocol, client -> worker.
	InboundTypeModeRequest = "mode_request"
	InboundTypeClick       = "click"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	// Directory events.
	EventPendingLobbyAckRequest = "pending_lobby_ack_request"
	EventPendingLobbyAckFail    = "pending_lobby_ack_fail"
	EventGameStart              = "game_start"
	EventGameAborted            = "game_aborted"
	EventGameOver               = "game_over"

	// Session events.
	EventWelcome = "welcome"
	EventMode    = "mode"
	EventClicks  = "clicks"
	EventReport  = "report"
)

// Outbound is the envelope for messages sent to a connected peer.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// OutboundRaw mirrors Outbound for decoding on the receiving side.
type OutboundRaw struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Event wraps payload as an outbound event.
func Event(name string, payload any) Outbound {
	return Outbound{Type: OutboundTypeEvent, Event: name, Data: payload}
}

// Fail builds an outbound error.
func Fail(code, msg string) Outbound {
	return Outbound{Type: OutboundTypeError, Error: &Error{Code: code, Msg: msg}}
}

// NewInbound marshals payload into an inbound envelope.
func NewInbound(kind string, payload any) (Inbound, error) {
	if payload == nil {
		return Inbound{Type: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Type: kind, Data: data}, nil
}
