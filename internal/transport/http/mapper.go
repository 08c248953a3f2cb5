package http

import (
	"encoding/json"

	"github.com/vovakirdan/wiregame-server/internal/core"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

const locationHosted = "hosted"

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error, error) {
	switch inbound.Type {
	case proto.InboundTypeAckPendingLobby, proto.InboundTypeNackPendingLobby:
		var ref proto.LobbyRef
		if err := json.Unmarshal(inbound.Data, &ref); err != nil {
			return nil, nil, err
		}
		if ref.LobbyID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "lobby_id is required"}, nil
		}
		kind := core.CommandAckPendingLobby
		if inbound.Type == proto.InboundTypeNackPendingLobby {
			kind = core.CommandNackPendingLobby
		}
		return &core.Command{Kind: kind, LobbyID: ref.LobbyID}, nil, nil
	case proto.InboundTypeGetConnectToken:
		var ref proto.SessionRef
		if err := json.Unmarshal(inbound.Data, &ref); err != nil {
			return nil, nil, err
		}
		if ref.SessionID == 0 {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "session_id is required"}, nil
		}
		return &core.Command{Kind: core.CommandGetConnectToken, SessionID: ref.SessionID}, nil, nil
	case proto.InboundTypeHello:
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "already greeted"}, nil
	default:
		return nil, &proto.Error{Code: "invalid_message", Msg: "unknown message type"}, nil
	}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventPendingLobbyAckRequest:
		return proto.Event(proto.EventPendingLobbyAckRequest, proto.PendingLobbyAckRequest{
			LobbyID:  event.LobbyID,
			Deadline: event.Deadline.UnixMilli(),
		})
	case core.EventPendingLobbyAckFail:
		return proto.Event(proto.EventPendingLobbyAckFail, proto.LobbyRef{LobbyID: event.LobbyID})
	case core.EventGameStart:
		if event.Start == nil {
			break
		}
		return proto.Event(proto.EventGameStart, proto.GameStart{
			SessionID:  event.SessionID,
			Credential: proto.WireCredential(event.Start.Credential),
			StartInfo: proto.StartInfo{
				Location:  locationHosted,
				WorkerURL: event.Start.WorkerURL,
				Role:      event.Start.Role,
				LobbyID:   event.Start.LobbyID,
			},
		})
	case core.EventGameAborted:
		return proto.Event(proto.EventGameAborted, proto.SessionRef{SessionID: event.SessionID})
	case core.EventGameOver:
		if event.Report == nil {
			break
		}
		return proto.Event(proto.EventGameOver, proto.GameOver{SessionID: event.SessionID, Report: *event.Report})
	case core.EventError:
		if event.Error == nil {
			break
		}
		return proto.Fail(event.Error.Code, event.Error.Message)
	}
	return proto.Fail(core.ErrCodeInternal, "unknown event")
}
