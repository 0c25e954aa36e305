package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/stockimport/internal/core"
	"github.com/JonMunkholm/stockimport/internal/logging"
)

// WebSocket message types besides the job events.
const (
	wsSubscribe   = "subscribe"
	wsUnsubscribe = "unsubscribe"
	wsSubscribed  = "subscribed"
	wsDropped     = "subscription:dropped"
	wsError       = "error"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 4096
	wsOutBuffer  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// wsClientMessage is sent by clients. JobID "*" means every job of the
// caller's tenant.
type wsClientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// wsServerMessage is any frame that is not a job event.
type wsServerMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// wsSession is one WebSocket connection with its subscriptions. Frames are
// written by a single goroutine draining out.
type wsSession struct {
	server *Server
	tenant string
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan any

	mu   sync.Mutex
	subs map[string]*core.Subscription // job id or "*"
}

// handleWebSocket upgrades the connection and serves subscribe and
// unsubscribe requests until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		server: s,
		tenant: tenantOf(r),
		log:    logging.FromContext(r.Context()),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan any, wsOutBuffer),
		subs:   make(map[string]*core.Subscription),
	}
	defer sess.close()

	go sess.readLoop(conn)
	sess.writeLoop(conn)
}

func (ws *wsSession) close() {
	ws.cancel()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for key, sub := range ws.subs {
		sub.Close()
		delete(ws.subs, key)
	}
}

// readLoop handles client messages. Any read error ends the session.
func (ws *wsSession) readLoop(conn *websocket.Conn) {
	defer ws.cancel()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.log.Debug("websocket read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case wsSubscribe:
			ws.subscribe(msg.JobID)
		case wsUnsubscribe:
			ws.unsubscribe(msg.JobID)
		default:
			ws.send(wsServerMessage{Type: wsError, Message: "unknown message type " + msg.Type})
		}
	}
}

// writeLoop writes queued frames and keepalive pings.
func (ws *wsSession) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ws.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case msg := <-ws.out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				ws.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// send queues a frame. It gives up when the session ends.
func (ws *wsSession) send(msg any) {
	select {
	case ws.out <- msg:
	case <-ws.ctx.Done():
	}
}

func (ws *wsSession) subscribe(jobID string) {
	if jobID == "" {
		ws.send(wsServerMessage{Type: wsError, Message: "jobId is required"})
		return
	}

	ws.mu.Lock()
	_, exists := ws.subs[jobID]
	ws.mu.Unlock()
	if exists {
		ws.send(wsServerMessage{Type: wsSubscribed, JobID: jobID})
		return
	}

	var (
		sub   *core.Subscription
		first *core.Event
	)
	if jobID == core.AllJobs {
		sub = ws.server.service.SubscribeAll(ws.tenant)
	} else {
		s, ev, err := ws.server.service.Subscribe(ws.ctx, ws.tenant, jobID)
		if err != nil {
			ws.send(wsServerMessage{
				Type:    wsError,
				JobID:   jobID,
				Message: core.FormatUserError(err),
				Code:    core.MapError(err).Code,
			})
			return
		}
		sub, first = s, &ev
	}

	ws.mu.Lock()
	ws.subs[jobID] = sub
	ws.mu.Unlock()

	ws.send(wsServerMessage{Type: wsSubscribed, JobID: jobID})
	if first != nil {
		ws.send(*first)
		if first.Terminal() {
			ws.release(jobID, sub)
			return
		}
	}
	go ws.pump(jobID, sub)
}

func (ws *wsSession) unsubscribe(jobID string) {
	ws.mu.Lock()
	sub, ok := ws.subs[jobID]
	delete(ws.subs, jobID)
	ws.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// release closes sub if it is still the session's subscription for jobID.
func (ws *wsSession) release(jobID string, sub *core.Subscription) {
	ws.mu.Lock()
	if ws.subs[jobID] == sub {
		delete(ws.subs, jobID)
	}
	ws.mu.Unlock()
	sub.Close()
}

// pump forwards the events of one subscription. Single job subscriptions
// end after the terminal event.
func (ws *wsSession) pump(jobID string, sub *core.Subscription) {
	for {
		ev, err := sub.Next(ws.ctx)
		if err != nil {
			var te *core.TransportError
			if errors.As(err, &te) {
				ws.release(jobID, sub)
				ws.send(wsServerMessage{Type: wsDropped, JobID: jobID, Reason: te.Reason})
			}
			return
		}
		ws.send(ev)
		if jobID != core.AllJobs && ev.Terminal() {
			ws.release(jobID, sub)
			return
		}
	}
}
