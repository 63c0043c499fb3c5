package canvas

import (
	"context"
	"math/rand"
	"strings"

	"whisp/internal/storage"
)

var starterPrompts = []string{
	"What's something you've never told anyone?",
	"What do you really think about me?",
	"If you could change one thing about yourself, what would it be?",
	"What's your biggest regret?",
	"What's a secret you'll take to your grave?",
	"What makes you feel truly alive?",
	"What are you most afraid of?",
	"What would you do if no one was watching?",
	"Roast me with your most brutal truth",
	"Tell me what I need to hear, not what I want to hear",
	"What's my most annoying habit?",
	"Be brutally honest: what do people really think about me?",
}

func roastPrompt(p string) bool {
	p = strings.ToLower(p)
	return strings.Contains(p, "roast") || strings.Contains(p, "brutal")
}

// RandomPrompt picks a starter prompt matching the tone of mode
func RandomPrompt(mode storage.Mode) string {
	var filtered []string
	for _, p := range starterPrompts {
		if roastPrompt(p) == (mode == storage.ModeRoast) {
			filtered = append(filtered, p)
		}
	}
	return filtered[rand.Intn(len(filtered))]
}

// CreateCanvas validates inputs and stores a new canvas expiring after the configured TTL.
// Expiry is advisory and never enforced by the engine.
func (c *Client) CreateCanvas(ctx context.Context, prompt string, mode storage.Mode, creator string) (storage.Canvas, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return storage.Canvas{}, ErrEmptyPrompt
	}

	creator = strings.TrimSpace(creator)
	if creator == "" {
		return storage.Canvas{}, ErrEmptyCreator
	}

	if !mode.Valid() {
		return storage.Canvas{}, ErrInvalidMode
	}

	cv, err := c.e.store.CreateCanvas(ctx, storage.NewCanvas{
		StarterPrompt: prompt,
		Mode:          mode,
		CreatedBy:     creator,
		ExpiresAt:     c.e.now().Add(c.e.canvasTTL),
	})
	if err != nil {
		return storage.Canvas{}, c.remote("create canvas", err)
	}

	return cv, nil
}

// Canvas returns canvas by id. A missing record and a malformed id yield ErrCanvasNotFound,
// any other failure ErrUnavailable.
func (c *Client) Canvas(ctx context.Context, id string) (storage.Canvas, error) {
	if !validID(id) {
		return storage.Canvas{}, ErrCanvasNotFound
	}

	cv, err := c.e.store.CanvasByID(ctx, id)
	if err != nil {
		return storage.Canvas{}, c.remote("get canvas", err)
	}

	return cv, nil
}

// Session returns cached identity of this device in canvas
func (c *Client) Session(ctx context.Context, canvasID string) (Session, bool) {
	return c.sessions.Session(ctx, canvasID)
}

// SaveSession overwrites cached identity of this device in canvas
func (c *Client) SaveSession(ctx context.Context, s Session) error {
	return c.sessions.SaveSession(ctx, s)
}

// ClearSession forgets identity of this device in canvas
func (c *Client) ClearSession(ctx context.Context, canvasID string) error {
	return c.sessions.ClearSession(ctx, canvasID)
}
