package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/core"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/utils"
)

const helloTimeout = 10 * time.Second

var errRateLimited = errors.New("rate limited")

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub       *core.Hub
	rateLimit int
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler. rateLimit caps inbound
// messages per minute per connection; zero disables the cap.
func NewWSHandler(hub *core.Hub, rateLimit int, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, rateLimit: rateLimit, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	hello, protoErr, err := h.readHello(ctx, conn)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws hello failed")
		return
	}
	if protoErr != nil {
		_ = wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: protoErr})
		conn.Close(websocket.StatusPolicyViolation, protoErr.Code)
		return
	}

	client := core.NewClient(utils.NewConnID(), hello.UserID)
	h.hub.RegisterClient(client)
	defer h.hub.UnregisterClient(client)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if errors.Is(err, errRateLimited) {
			status = websocket.StatusPolicyViolation
			reason = "rate_limited"
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "internal error"
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// readHello reads the mandatory first message. A protocol version other than
// ours is refused with unsupported_version.
func (h *WSHandler) readHello(ctx context.Context, conn *websocket.Conn) (proto.HelloData, *proto.Error, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var inbound proto.Inbound
	if err := wsjson.Read(ctx, conn, &inbound); err != nil {
		return proto.HelloData{}, nil, err
	}
	if inbound.Type != proto.InboundTypeHello {
		return proto.HelloData{}, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "hello expected"}, nil
	}
	var hello proto.HelloData
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		return proto.HelloData{}, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "malformed hello"}, nil
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		h.log.Info().Int("client_protocol", hello.Protocol).Int("protocol", proto.ProtocolVersion).Msg("refusing client protocol")
		return proto.HelloData{}, &proto.Error{Code: "unsupported_version", Msg: "unsupported protocol version"}, nil
	}
	if hello.UserID == "" {
		return proto.HelloData{}, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "user_id is required"}, nil
	}
	return hello, nil, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	limiter := newRateLimiter(h.rateLimit)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID).Msg("read ws inbound")
			return err
		}
		if !limiter.allow() {
			_ = wsjson.Write(ctx, conn, proto.Fail("rate_limited", "too many messages"))
			return errRateLimited
		}

		cmd, protoErr, err := inboundToCommand(inbound)
		if err != nil {
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("failed to map inbound")
			protoErr = &proto.Error{Code: core.ErrCodeBadRequest, Msg: "malformed payload"}
		}
		if protoErr != nil {
			if writeErr := wsjson.Write(ctx, conn, proto.Outbound{
				Type:  proto.OutboundTypeError,
				Error: protoErr,
			}); writeErr != nil {
				return writeErr
			}
			continue
		}
		select {
		case client.Commands <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
