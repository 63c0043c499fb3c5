package realtime

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"whisp/internal/storage"
)

const fetchTimeout = 5 * time.Second

// Source is the upstream push channel: insert notifications plus lookups of the inserted rows
type Source interface {
	Listen(ctx context.Context, channels []string, fn func(channel, payload string)) error
	MessageByID(ctx context.Context, id string) (storage.Message, error)
	WhisperByID(ctx context.Context, id string) (storage.Whisper, error)
}

// Listener turns store insert notifications into Hub publications
type Listener struct {
	logger  *zap.SugaredLogger
	source  Source
	hub     *Hub
	parsers fastjson.ParserPool
	events  *prometheus.CounterVec
}

// NewListener returns Listener feeding hub from source. events may be nil.
func NewListener(logger *zap.SugaredLogger, source Source, hub *Hub, events *prometheus.CounterVec) *Listener {
	return &Listener{
		logger: logger,
		source: source,
		hub:    hub,
		events: events,
	}
}

// Run blocks until ctx is done or the channel is lost. A lost channel is returned as error
// and is not re-established.
func (l *Listener) Run(ctx context.Context) error {
	channels := []string{storage.ChannelMessages, storage.ChannelWhispers}
	return l.source.Listen(ctx, channels, func(channel, payload string) {
		l.handle(ctx, channel, payload)
	})
}

func (l *Listener) handle(ctx context.Context, channel, payload string) {
	parser := l.parsers.Get()
	defer l.parsers.Put(parser)

	v, err := parser.Parse(payload)
	if err != nil {
		l.logger.Warnf("Malformed notification on %s: %v", channel, err)
		l.count(channel, "malformed")
		return
	}

	id := string(v.GetStringBytes("id"))
	if id == "" {
		l.logger.Warnf("Notification on %s has no id: %s", channel, payload)
		l.count(channel, "malformed")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	switch channel {
	case storage.ChannelMessages:
		m, err := l.source.MessageByID(ctx, id)
		if err != nil {
			l.logger.Errorf("Loading notified message (id: %s): %v", id, err)
			l.count(channel, "error")
			return
		}
		l.hub.PublishMessage(m)
	case storage.ChannelWhispers:
		w, err := l.source.WhisperByID(ctx, id)
		if err != nil {
			l.logger.Errorf("Loading notified whisper (id: %s): %v", id, err)
			l.count(channel, "error")
			return
		}
		l.hub.PublishWhisper(w)
	default:
		l.logger.Warnf("Notification on unexpected channel %s", channel)
		l.count(channel, "unexpected")
		return
	}

	l.count(channel, "published")
}

func (l *Listener) count(channel, outcome string) {
	if l.events != nil {
		l.events.WithLabelValues(channel, outcome).Inc()
	}
}
