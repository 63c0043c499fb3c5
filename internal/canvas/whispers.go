package canvas

import (
	"context"
	"strings"

	"whisp/internal/storage"
)

const popularUsersLimit = 10

// SendWhisper stores a private message between two participants of a canvas
func (c *Client) SendWhisper(ctx context.Context, canvasID, from, to, content string) (storage.Whisper, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return storage.Whisper{}, ErrEmptyContent
	}
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return storage.Whisper{}, ErrEmptyUsername
	}
	if !validID(canvasID) {
		return storage.Whisper{}, ErrCanvasNotFound
	}

	w, err := c.e.store.CreateWhisper(ctx, canvasID, from, to, content)
	if err != nil {
		return storage.Whisper{}, c.remote("send whisper", err)
	}

	return w, nil
}

// Whispers returns whispers received by username in canvas, newest first
func (c *Client) Whispers(ctx context.Context, canvasID, username string) ([]storage.Whisper, error) {
	if !validID(canvasID) {
		return nil, ErrCanvasNotFound
	}
	username = strings.TrimSpace(username)

	ws, err := c.e.store.WhispersByRecipient(ctx, canvasID, username)
	if err != nil {
		return nil, c.remote("list whispers", err)
	}

	return ws, nil
}

// MarkWhisperRead stamps whisper with the current time
func (c *Client) MarkWhisperRead(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrWhisperNotFound
	}

	if err := c.e.store.MarkWhisperRead(ctx, id, c.e.now()); err != nil {
		return c.remote("mark whisper read", err)
	}

	return nil
}

// SubscribeWhispers calls onInsert for whispers addressed to username in canvas
func (c *Client) SubscribeWhispers(ctx context.Context, canvasID, username string, onInsert func(storage.Whisper)) (Subscription, error) {
	if !validID(canvasID) {
		return nil, ErrCanvasNotFound
	}

	sub, err := c.e.bus.SubscribeWhispers(ctx, canvasID, strings.TrimSpace(username), onInsert)
	if err != nil {
		return nil, c.remote("subscribe whispers", err)
	}

	return sub, nil
}

// PopularUsers returns the ten most popular participants of canvas
func (c *Client) PopularUsers(ctx context.Context, canvasID string) ([]storage.PopularUser, error) {
	if !validID(canvasID) {
		return nil, ErrCanvasNotFound
	}

	us, err := c.e.store.PopularUsers(ctx, canvasID, popularUsersLimit)
	if err != nil {
		return nil, c.remote("popular users", err)
	}

	return us, nil
}
