package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rebuildcraft.ai/internal/protocol"
	"rebuildcraft.ai/internal/sim/gate"
	"rebuildcraft.ai/internal/sim/multimap"
	"rebuildcraft.ai/internal/sim/session"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readIdleTimeout  = 60 * time.Second
	defaultQueue     = 64
)

type Server struct {
	maps     *multimap.Manager
	log      *log.Logger
	maxQueue int

	upgrader websocket.Upgrader
}

// NewServer serves participants over websocket. maxQueue bounds the per-connection
// outbound buffer a client may ask for in hello.
func NewServer(m *multimap.Manager, maxQueue int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if maxQueue <= 0 {
		maxQueue = 256
	}
	return &Server{
		maps:     m,
		log:      logger,
		maxQueue: maxQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type conn struct {
	participantID string
	connID        string
	session       *session.Session
	out           chan []byte
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		c := s.handshake(r.Context(), ws)
		if c == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
			_, msg, err := ws.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type == "" {
				continue
			}
			if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
				continue
			}
			var act protocol.ActionMsg
			if err := json.Unmarshal(msg, &act); err != nil {
				continue
			}
			if !c.session.Submit(ctx, session.Envelope{ParticipantID: c.participantID, ConnID: c.connID, Act: act}) {
				break
			}
		}
		cancel()

		// Cleanup.
		c.session.Leave(c.participantID, c.connID)
		s.maps.Exit(c.participantID, c.connID)
	}
}

func (s *Server) handshake(parent context.Context, ws *websocket.Conn) *conn {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(ws, protocol.ErrProtoBadRequest, "expected hello")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(ws, protocol.ErrProtoBadRequest, "bad hello")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(ws, protocol.ErrProtoBadRequest, "bad protocol_version")
		return nil
	}
	hello.ParticipantID = strings.TrimSpace(hello.ParticipantID)
	if hello.ParticipantID == "" {
		closeWith(ws, protocol.ErrProtoBadRequest, "missing participant_id")
		return nil
	}
	mapID := hello.MapID
	if mapID == 0 {
		mapID = s.maps.DefaultMapID()
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = defaultQueue
	}
	maxQ = min(maxQ, s.maxQueue)

	c := &conn{
		participantID: hello.ParticipantID,
		connID:        uuid.NewString(),
		out:           make(chan []byte, maxQ),
	}
	req := session.JoinRequest{
		ParticipantID: c.participantID,
		Name:          strings.TrimSpace(hello.Name),
		ConnID:        c.connID,
		Out:           c.out,
	}
	if hello.Spawn != nil {
		req.Spawn = &gate.Point{X: hello.Spawn.X, Y: hello.Spawn.Y}
	}

	ctx, cancel := context.WithTimeout(parent, handshakeTimeout)
	defer cancel()
	var resp session.JoinResponse
	// A session reaped between Acquire and Join reports ErrClosed; the retry starts a fresh one.
	for attempt := 0; attempt < 2; attempt++ {
		c.session, err = s.maps.Acquire(mapID)
		if err != nil {
			break
		}
		resp, err = c.session.Join(ctx, req)
		if !errors.Is(err, session.ErrClosed) {
			break
		}
	}
	if err != nil {
		s.log.Printf("join %s map=%d: %v", c.participantID, mapID, err)
		if errors.Is(err, multimap.ErrUnknownMap) {
			closeWith(ws, protocol.ErrMapNotFound, "unknown map")
		} else {
			closeWith(ws, protocol.ErrSessionBusy, "join failed")
		}
		return nil
	}

	if prev, moved := s.maps.Enter(c.participantID, mapID, c.connID); moved {
		if old, ok := s.maps.Lookup(prev.MapID); ok {
			old.Leave(c.participantID, prev.ConnID)
		}
	}

	if err := writeJSON(ws, resp.Welcome); err != nil {
		c.session.Leave(c.participantID, c.connID)
		s.maps.Exit(c.participantID, c.connID)
		return nil
	}
	return c
}

// closeWith ends the handshake with a policy-violation frame whose text is "<code>: <detail>".
func closeWith(ws *websocket.Conn, code, detail string) {
	reason := code + ": " + detail
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(ws *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, b)
}
