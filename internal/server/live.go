package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"whisp/internal/canvas"
	"whisp/internal/storage"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxFrameSize = 8 << 10

	sendBufferSize = 256
)

// Frame types sent to the peer
const (
	frameSnapshot = "snapshot"
	frameMessage  = "message"
	frameWhisper  = "whisper"
	frameVote     = "vote"
	frameError    = "error"
)

// Frame types accepted from the peer
const (
	framePost = "post"
)

type snapshotFrame struct {
	Type     string                       `json:"type"`
	Canvas   storage.Canvas               `json:"canvas"`
	Username string                       `json:"username"`
	Messages []storage.Message            `json:"messages"`
	Votes    map[string]storage.Direction `json:"votes"`
}

type frame struct {
	Type    string           `json:"type"`
	Message *storage.Message `json:"message,omitempty"`
	Whisper *storage.Whisper `json:"whisper,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// liveConn is one WebSocket peer watching a canvas view
type liveConn struct {
	logger *zap.SugaredLogger
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// pushes are held back until the snapshot frame is queued
	mu      sync.Mutex
	started bool
	held    []storage.Message
}

func newLiveConn(logger *zap.SugaredLogger) *liveConn {
	return &liveConn{
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// emit queues v for writing; a peer too slow to drain its buffer is disconnected
func (lc *liveConn) emit(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		lc.logger.Errorf("Marshaling live frame: %v", err)
		return
	}

	select {
	case <-lc.done:
	case lc.send <- data:
	default:
		lc.logger.Warn("Live peer is too slow, closing connection")
		lc.shutdown()
	}
}

// emitError reports err to the peer; store failure causes stay in the logs
func (lc *liveConn) emitError(err error) {
	if errors.Is(err, canvas.ErrUnavailable) {
		err = canvas.ErrUnavailable
	}
	lc.emit(frame{Type: frameError, Error: err.Error()})
}

func (lc *liveConn) pushMessage(m storage.Message) {
	lc.mu.Lock()
	if !lc.started {
		lc.held = append(lc.held, m)
		lc.mu.Unlock()
		return
	}
	lc.mu.Unlock()

	lc.emit(frame{Type: frameMessage, Message: &m})
}

func (lc *liveConn) pushWhisper(w storage.Whisper) {
	lc.emit(frame{Type: frameWhisper, Whisper: &w})
}

// start queues the snapshot of v followed by held pushes missing from it
func (lc *liveConn) start(v *canvas.View) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	messages := v.Messages()
	lc.emit(snapshotFrame{
		Type:     frameSnapshot,
		Canvas:   v.Canvas(),
		Username: v.Username(),
		Messages: messages,
		Votes:    v.Votes(),
	})

	inSnapshot := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		inSnapshot[m.ID] = struct{}{}
	}
	for i := range lc.held {
		if _, ok := inSnapshot[lc.held[i].ID]; !ok {
			lc.emit(frame{Type: frameMessage, Message: &lc.held[i]})
		}
	}

	lc.held = nil
	lc.started = true
}

// shutdown stops writePump, which closes the connection and so ends readPump
func (lc *liveConn) shutdown() {
	lc.once.Do(func() {
		close(lc.done)
	})
}

// writePump pumps queued frames to the connection and pings the peer
func (lc *liveConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		lc.shutdown()
		lc.conn.Close()
	}()

	for {
		select {
		case <-lc.done:
			_ = lc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-lc.send:
			_ = lc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := lc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				lc.logger.Debugf("Writing live frame: %v", err)
				return
			}
		case <-ticker.C:
			_ = lc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := lc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				lc.logger.Debugf("Sending ping: %v", err)
				return
			}
		}
	}
}

// live handles WebSocket requests on "/canvases/live" endpoint.
// The device must have joined the canvas; the view is opened before upgrading so failures get HTTP statuses.
func (h *handler) live(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	canvasID := query.Get("canvas")
	if canvasID == "" {
		http.Error(w, "Missing Parameter \"canvas\"", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := h.client(r)
	lc := newLiveConn(h.logger.With("canvas_id", canvasID))

	view, err := c.OpenView(ctx, canvasID, lc.pushMessage)
	if err != nil {
		h.fail(w, err)
		return
	}
	defer view.Close()

	if query.Get("whispers") == "1" {
		sub, err := c.SubscribeWhispers(ctx, canvasID, view.Username(), lc.pushWhisper)
		if err != nil {
			h.fail(w, err)
			return
		}
		defer sub.Cancel()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		h.logger.Debugf("Upgrading live connection: %v", err)
		return
	}
	lc.conn = conn
	defer lc.shutdown()

	lc.start(view)
	go lc.writePump()

	h.readPump(ctx, lc, view)
}

// readPump handles peer frames until the connection fails or is closed
func (h *handler) readPump(ctx context.Context, lc *liveConn, view *canvas.View) {
	lc.conn.SetReadLimit(maxFrameSize)
	_ = lc.conn.SetReadDeadline(time.Now().Add(pongWait))
	lc.conn.SetPongHandler(func(string) error {
		return lc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var parser fastjson.Parser
	for {
		messageType, data, err := lc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				lc.logger.Debugf("Reading live frame: %v", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			lc.emit(frame{Type: frameError, Error: "binary frames are not supported"})
			continue
		}

		v, err := parser.ParseBytes(data)
		if err != nil {
			lc.emit(frame{Type: frameError, Error: "malformed JSON"})
			continue
		}

		switch string(v.GetStringBytes("type")) {
		case framePost:
			_, err := view.Post(ctx, string(v.GetStringBytes("content")))
			if err != nil {
				lc.emitError(err)
				continue
			}
			h.metrics.MessagesPosted.Inc()
		case frameVote:
			d := direction(v.GetInt("vote"))
			m, err := view.Vote(ctx, string(v.GetStringBytes("message")), d)
			h.countVote(d, err)
			if m.ID != "" {
				lc.emit(frame{Type: frameVote, Message: &m})
			}
			if err != nil {
				lc.emitError(err)
			}
		default:
			lc.emit(frame{Type: frameError, Error: "unknown frame type"})
		}
	}
}
