// Package realtime fans inserted records out to live canvas subscribers.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"whisp/internal/canvas"
	"whisp/internal/storage"
)

type kind uint8

const (
	kindMessage kind = iota
	kindWhisper
)

func (k kind) String() string {
	if k == kindWhisper {
		return "whisper"
	}
	return "message"
}

type topic struct {
	kind     kind
	canvasID string
}

// Hub keeps subscriptions per (kind, canvas) and delivers published records to them.
// Each subscription owns a goroutine, so a slow callback only delays its own deliveries.
type Hub struct {
	logger *zap.SugaredLogger
	active *prometheus.GaugeVec

	mu   sync.Mutex
	subs map[topic]map[string]*subscription
}

// NewHub returns empty Hub. active may be nil.
func NewHub(logger *zap.SugaredLogger, active *prometheus.GaugeVec) *Hub {
	return &Hub{
		logger: logger,
		active: active,
		subs:   make(map[topic]map[string]*subscription),
	}
}

// SubscribeMessages registers fn for messages inserted into canvas
func (h *Hub) SubscribeMessages(_ context.Context, canvasID string, fn func(storage.Message)) (canvas.Subscription, error) {
	return h.subscribe(topic{kind: kindMessage, canvasID: canvasID}, func(v interface{}) {
		fn(v.(storage.Message))
	}), nil
}

// SubscribeWhispers registers fn for whispers inserted into canvas and addressed to username.
// Upstream events are keyed by canvas only; the recipient filter is applied here.
func (h *Hub) SubscribeWhispers(_ context.Context, canvasID, username string, fn func(storage.Whisper)) (canvas.Subscription, error) {
	return h.subscribe(topic{kind: kindWhisper, canvasID: canvasID}, func(v interface{}) {
		w := v.(storage.Whisper)
		if w.ToUsername == username {
			fn(w)
		}
	}), nil
}

// PublishMessage delivers m to subscribers of its canvas
func (h *Hub) PublishMessage(m storage.Message) {
	h.publish(topic{kind: kindMessage, canvasID: m.CanvasID}, m)
}

// PublishWhisper delivers w to subscribers of its canvas
func (h *Hub) PublishWhisper(w storage.Whisper) {
	h.publish(topic{kind: kindWhisper, canvasID: w.CanvasID}, w)
}

// Subscribers returns the number of live subscriptions for canvas
func (h *Hub) Subscribers(canvasID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[topic{kind: kindMessage, canvasID: canvasID}]) +
		len(h.subs[topic{kind: kindWhisper, canvasID: canvasID}])
}

func (h *Hub) subscribe(t topic, deliver func(interface{})) *subscription {
	s := &subscription{
		id:      xid.New().String(),
		hub:     h,
		topic:   t,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	byID, ok := h.subs[t]
	if !ok {
		byID = make(map[string]*subscription)
		h.subs[t] = byID
	}
	byID[s.id] = s
	h.mu.Unlock()

	if h.active != nil {
		h.active.WithLabelValues(t.kind.String()).Inc()
	}
	h.logger.Debugf("Subscription %s opened for %s events of canvas (id: %s)", s.id, t.kind, t.canvasID)

	go s.run()

	return s
}

func (h *Hub) publish(t topic, v interface{}) {
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs[t]))
	for _, s := range h.subs[t] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueue(v)
	}
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	if byID, ok := h.subs[s.topic]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(h.subs, s.topic)
		}
	}
	h.mu.Unlock()

	if h.active != nil {
		h.active.WithLabelValues(s.topic.kind.String()).Dec()
	}
	h.logger.Debugf("Subscription %s cancelled", s.id)
}

// subscription is an unbounded ordered mailbox drained by its own goroutine
type subscription struct {
	id      string
	hub     *Hub
	topic   topic
	deliver func(interface{})

	mu    sync.Mutex
	queue []interface{}

	wake      chan struct{}
	done      chan struct{}
	cancelled atomic.Bool
	once      sync.Once
}

func (s *subscription) enqueue(v interface{}) {
	if s.cancelled.Load() {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, v := range batch {
			if s.cancelled.Load() {
				return
			}
			s.deliver(v)
		}
	}
}

// Cancel stops delivery; callbacks already running finish, no new one starts
func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		close(s.done)
		s.hub.remove(s)
	})
}
