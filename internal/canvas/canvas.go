// Package canvas implements the canvas collaboration engine: per-canvas sessions,
// participant registry, message feed with live propagation and the vote ledger.
//
// Engine holds the collaborators shared by every device; Client is one logical
// participant device bound to its own SessionStore.
package canvas

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whisp/internal/storage"
)

// Store is the remote record store the engine works against
type Store interface {
	CreateCanvas(ctx context.Context, nc storage.NewCanvas) (storage.Canvas, error)
	CanvasByID(ctx context.Context, id string) (storage.Canvas, error)

	ParticipantsByUsername(ctx context.Context, canvasID, username string) ([]storage.Participant, error)
	ParticipantsByCanvasID(ctx context.Context, canvasID string) ([]storage.Participant, error)
	CreateParticipant(ctx context.Context, canvasID, username string) (storage.Participant, error)

	CreateMessage(ctx context.Context, canvasID, author, content string) (storage.Message, error)
	MessagesByCanvasID(ctx context.Context, canvasID string) ([]storage.Message, error)
	DeleteMessage(ctx context.Context, id string) error

	UpsertVote(ctx context.Context, messageID, username string, d storage.Direction) (bool, error)
	VotesByUsername(ctx context.Context, username string) ([]storage.Vote, error)

	CreateWhisper(ctx context.Context, canvasID, from, to, content string) (storage.Whisper, error)
	WhispersByRecipient(ctx context.Context, canvasID, username string) ([]storage.Whisper, error)
	MarkWhisperRead(ctx context.Context, id string, at time.Time) error
	PopularUsers(ctx context.Context, canvasID string, limit int) ([]storage.PopularUser, error)
}

// Subscription is a live push registration
type Subscription interface {
	// Cancel stops delivery. It is safe to call more than once; no callback starts after it returns.
	Cancel()
}

// Bus delivers inserted records to live listeners of a canvas
type Bus interface {
	SubscribeMessages(ctx context.Context, canvasID string, fn func(storage.Message)) (Subscription, error)
	SubscribeWhispers(ctx context.Context, canvasID, username string, fn func(storage.Whisper)) (Subscription, error)
}

// Session is the identity a device uses in a canvas
type Session struct {
	CanvasID string    `json:"canvas_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionStore keeps one session per canvas for a single device.
// Medium failures are reported as an absent session.
type SessionStore interface {
	Session(ctx context.Context, canvasID string) (Session, bool)
	SaveSession(ctx context.Context, s Session) error
	ClearSession(ctx context.Context, canvasID string) error
}

// Config defines engine fields parsed from environment variables
type Config struct {
	CanvasTTL time.Duration `env:"CANVAS_TTL" envDefault:"24h"`
}

type Option interface {
	apply(*Engine)
}

type optionFunc func(e *Engine)

func (f optionFunc) apply(e *Engine) { f(e) }

// WithConfig applies environment config to the Engine
func WithConfig(cfg Config) Option {
	return optionFunc(func(e *Engine) {
		if cfg.CanvasTTL > 0 {
			e.canvasTTL = cfg.CanvasTTL
		}
	})
}

// CanvasTTL sets the advisory lifetime written to new canvases
func CanvasTTL(d time.Duration) Option {
	return optionFunc(func(e *Engine) {
		e.canvasTTL = d
	})
}

// Clock replaces time.Now
func Clock(now func() time.Time) Option {
	return optionFunc(func(e *Engine) {
		e.now = now
	})
}

// Engine defines collaborators shared by all clients
type Engine struct {
	logger    *zap.SugaredLogger
	store     Store
	bus       Bus
	canvasTTL time.Duration
	now       func() time.Time
}

// New returns Engine working with provided store and bus
func New(logger *zap.SugaredLogger, store Store, bus Bus, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		store:     store,
		bus:       bus,
		canvasTTL: 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	return e
}

// Client is a single logical participant device
type Client struct {
	e        *Engine
	sessions SessionStore
}

// ForDevice returns Client which keeps identities in provided SessionStore
func (e *Engine) ForDevice(sessions SessionStore) *Client {
	return &Client{e: e, sessions: sessions}
}

// validID reports whether id looks like a record id; malformed ids never reach the store
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
