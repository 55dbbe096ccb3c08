package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/model"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsCommand is an inbound frame on the event stream.
type wsCommand struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// wsReply acknowledges an inbound command.
type wsReply struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type wsStream struct {
	server    *Server
	sessionID string
	conn      *websocket.Conn
	sub       *events.Subscription
	replies   chan wsReply
	ctx       context.Context
	cancel    context.CancelFunc
}

// handleEvents upgrades to a WebSocket that carries the session's events
// out and approve, reject, modify, cancel, and turn commands in.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.svc.Subscribe(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream := &wsStream{
		server:    s,
		sessionID: id,
		conn:      conn,
		sub:       sub,
		replies:   make(chan wsReply, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.logger.Debug("event stream opened", "session_id", id)
	stream.run()
	s.logger.Debug("event stream closed", "session_id", id, "dropped", sub.Dropped())
}

func (st *wsStream) run() {
	defer st.close()
	go st.readLoop()
	st.writeLoop()
}

func (st *wsStream) close() {
	st.cancel()
	st.sub.Close()
	_ = st.conn.Close()
}

func (st *wsStream) readLoop() {
	defer st.cancel()
	st.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = st.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := st.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			st.reply(wsReply{Type: "error", Error: "invalid frame: " + err.Error()})
			continue
		}
		st.reply(st.handle(cmd))
	}
}

func (st *wsStream) handle(cmd wsCommand) wsReply {
	svc := st.server.svc
	var err error
	switch cmd.Type {
	case "resolve":
		var decision model.Decision
		decision, err = model.ParseDecision(cmd.Decision)
		if err == nil {
			err = svc.Resolve(cmd.RequestID, decision, cmd.Args)
		}
	case "cancel":
		err = svc.Cancel(st.sessionID)
	case "turn":
		err = svc.StartTurn(st.ctx, st.sessionID, cmd.Message)
	default:
		return wsReply{Type: cmd.Type, Error: "unknown command"}
	}
	if err != nil {
		return wsReply{Type: cmd.Type, Error: err.Error()}
	}
	return wsReply{Type: cmd.Type, OK: true}
}

func (st *wsStream) reply(r wsReply) {
	select {
	case st.replies <- r:
	case <-st.ctx.Done():
	}
}

func (st *wsStream) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		var (
			msg any
			typ = websocket.TextMessage
		)
		select {
		case <-st.ctx.Done():
			return
		case ev, ok := <-st.sub.C:
			if !ok {
				_ = st.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			msg = ev
		case r := <-st.replies:
			msg = r
		case <-ping.C:
			typ = websocket.PingMessage
		}

		_ = st.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if typ == websocket.PingMessage {
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := st.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
