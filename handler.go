package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"relic-rush/server/internal/events"
	"relic-rush/server/internal/proto"
	"relic-rush/server/internal/session"
	"relic-rush/server/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The game client is served from arbitrary origins during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHTTPHandler builds the HTTP surface: websocket endpoint, health,
// diagnostics, and the metrics scrape.
func NewHTTPHandler(hub *Hub, recent *events.MemoryPublisher) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Printf("websocket upgrade: %v", err)
			return
		}
		go hub.HandleConn(r.Context(), transport.NewWSConn(wsConn))
	})
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/diagnostics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hub.Diagnostics(recent)); err != nil {
			hub.logger.Printf("encode diagnostics: %v", err)
		}
	}).Methods(http.MethodGet)
	router.Handle("/metrics", hub.metrics.Handler()).Methods(http.MethodGet)
	return router
}

// ServeQUIC accepts QUIC connections until the context is cancelled.
func ServeQUIC(ctx context.Context, hub *Hub, listener *transport.QUICListener) error {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go hub.HandleConn(ctx, conn)
	}
}

// HandleConn runs the handshake and then the session's read loop. The
// connection arrives bound to a concrete transport; negotiation may promote
// a QUIC connection from its control stream to datagrams.
func (h *Hub) HandleConn(ctx context.Context, conn transport.Conn) {
	hello, err := h.readHello(ctx, conn)
	if err != nil {
		var mismatch proto.ErrVersionMismatch
		code := proto.ErrCodeMalformed
		if errors.As(err, &mismatch) {
			code = proto.ErrCodeVersionMismatch
		}
		h.rejectConn(conn, code, err.Error())
		return
	}

	kind, caps, err := h.negotiate(hello, conn)
	if err != nil {
		h.rejectConn(conn, proto.ErrCodeNegotiationFailed, err.Error())
		return
	}

	now := time.Now()
	var (
		room    *Room
		sess    *session.Session
		resumed bool
	)
	if hello.Token != "" {
		room, sess, err = h.ResumeByToken(hello.Room, hello.Token, kind, conn, now)
		if err != nil {
			h.rejectConn(conn, proto.ErrCodeTokenExpired, "session token no longer valid")
			return
		}
		resumed = true
	} else {
		room, sess, err = h.joinRoom(hello, caps, kind, conn, now)
		if err != nil {
			code := proto.ErrCodeUnknownRoom
			if errors.Is(err, ErrRoomFull) {
				code = proto.ErrCodeRoomFull
			}
			h.rejectConn(conn, code, err.Error())
			return
		}
	}

	payload, err := proto.EncodeWelcome(room.Welcome(sess, h.Capabilities(), resumed, now))
	if err == nil {
		err = conn.Send(payload, true)
	}
	if err != nil {
		h.logger.Printf("welcome to %s failed: %v", sess.ClientID(), err)
		room.SuspendSession(sess, now)
		conn.Close()
		return
	}

	h.serveSession(ctx, room, sess, conn)
}

func (h *Hub) readHello(ctx context.Context, conn transport.Conn) (proto.ClientMessage, error) {
	helloCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	payload, err := conn.Receive(helloCtx)
	if err != nil {
		return proto.ClientMessage{}, err
	}
	msg, err := proto.DecodeClientMessage(payload)
	if err != nil {
		return msg, err
	}
	if msg.Type != proto.TypeHello {
		return msg, errors.New("expected hello frame")
	}
	return msg, nil
}

// negotiate picks the best transport both sides support. When the chosen
// kind outranks the one the client connected over, the connection is
// promoted in place if it can be; otherwise the bound kind stands as long
// as both sides support it.
func (h *Hub) negotiate(hello proto.ClientMessage, conn transport.Conn) (transport.Kind, transport.CapabilitySet, error) {
	caps := hello.Transports
	if caps.Empty() {
		// A client that advertises nothing gets the transport it arrived on.
		caps = transport.CapabilitySet{
			Datagram:  conn.Kind() == transport.KindQUICDatagram,
			Stream:    conn.Kind() == transport.KindQUICStream,
			WebSocket: conn.Kind() == transport.KindWebSocket,
		}
	}
	chosen, err := transport.Negotiate(caps, h.Capabilities(), nil)
	if err != nil {
		return "", caps, err
	}
	if chosen == conn.Kind() {
		return chosen, caps, nil
	}
	if quicConn, ok := conn.(*transport.QUICConn); ok && chosen == transport.KindQUICDatagram {
		quicConn.PromoteToDatagram()
		return chosen, caps, nil
	}
	if !caps.Supports(conn.Kind()) || !h.Capabilities().Supports(conn.Kind()) {
		return "", caps, transport.ErrNoCommonTransport
	}
	return conn.Kind(), caps, nil
}

func (h *Hub) joinRoom(hello proto.ClientMessage, caps transport.CapabilitySet, kind transport.Kind, conn transport.Conn, now time.Time) (*Room, *session.Session, error) {
	room, err := h.GetOrCreateRoom(hello.Room)
	if err != nil {
		return nil, nil, err
	}
	sess, err := room.Join(hello.Name, caps)
	if err != nil {
		return nil, nil, err
	}
	if err := room.Activate(sess, kind, conn, now); err != nil {
		room.Leave(sess, "activation failed")
		return nil, nil, err
	}
	return room, sess, nil
}

func (h *Hub) rejectConn(conn transport.Conn, code, message string) {
	if payload, err := proto.EncodeError(proto.Error{Code: code, Message: message, Terminal: true}); err == nil {
		_ = conn.Send(payload, true)
	}
	conn.Close()
}

// serveSession reads client frames until the connection fails or the client
// leaves. Transport failure suspends the session; only an explicit leave or
// a validation escalation removes it.
func (h *Hub) serveSession(ctx context.Context, room *Room, sess *session.Session, conn transport.Conn) {
	malformed := 0
	for {
		payload, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && sess.State() == session.StateActive {
				h.logger.Printf("client %s receive over %s: %v", sess.ClientID(), conn.Kind(), err)
				room.SuspendSession(sess, time.Now())
			}
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			var mismatch proto.ErrVersionMismatch
			code := proto.ErrCodeMalformed
			if errors.As(err, &mismatch) {
				code = proto.ErrCodeVersionMismatch
			}
			// A single bad frame is dropped, not fatal; a sustained stream of
			// them terminates the session.
			malformed++
			if malformed >= h.cfg.MaxMalformedFrames {
				if reply, encErr := proto.EncodeError(proto.Error{Code: code, Message: "too many malformed frames", Terminal: true}); encErr == nil {
					_ = conn.Send(reply, true)
				}
				room.Leave(sess, "malformed frame limit")
				return
			}
			if reply, encErr := proto.EncodeError(proto.Error{Code: code, Message: err.Error()}); encErr == nil {
				_ = conn.Send(reply, true)
			}
			continue
		}

		now := time.Now()
		switch msg.Type {
		case proto.TypeInput:
			if done := h.handleInputFrame(room, sess, conn, msg, now); done {
				return
			}
		case proto.TypeHeartbeat:
			reply := room.HandleHeartbeat(sess, msg, now)
			if payload, err := proto.EncodeHeartbeat(reply); err == nil {
				_ = conn.Send(payload, false)
			}
		case proto.TypeLeave:
			room.Leave(sess, "client requested")
			return
		default:
			if reply, err := proto.EncodeError(proto.Error{Code: proto.ErrCodeMalformed, Message: "unknown message type"}); err == nil {
				_ = conn.Send(reply, true)
			}
		}
	}
}

func (h *Hub) handleInputFrame(room *Room, sess *session.Session, conn transport.Conn, msg proto.ClientMessage, now time.Time) bool {
	outcome := room.HandleInput(sess, msg, now)
	switch {
	case outcome.Ack:
		if payload, err := proto.EncodeInputAck(proto.InputAck{Seq: msg.Seq}); err == nil {
			_ = conn.Send(payload, false)
		}
	case outcome.Reject:
		if payload, err := proto.EncodeInputReject(proto.InputReject{Seq: msg.Seq, Reason: outcome.Reason, Retry: outcome.Retry}); err == nil {
			_ = conn.Send(payload, true)
		}
		if outcome.Terminate {
			if payload, err := proto.EncodeError(proto.Error{Code: proto.ErrCodeValidation, Message: "input validation limit exceeded", Terminal: true}); err == nil {
				_ = conn.Send(payload, true)
			}
			room.Leave(sess, "validation escalation")
			return true
		}
	}
	return false
}
