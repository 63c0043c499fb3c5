package canvas

import (
	"context"
	"strings"

	"whisp/internal/storage"
)

// PostMessage trims content and stores it. Length is not capped here; clients limit input to 500 characters.
func (c *Client) PostMessage(ctx context.Context, canvasID, author, content string) (storage.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return storage.Message{}, ErrEmptyContent
	}

	if !validID(canvasID) {
		return storage.Message{}, ErrCanvasNotFound
	}

	m, err := c.e.store.CreateMessage(ctx, canvasID, author, content)
	if err != nil {
		return storage.Message{}, c.remote("post message", err)
	}

	return m, nil
}

// Messages returns a point-in-time snapshot of canvas messages, newest first
func (c *Client) Messages(ctx context.Context, canvasID string) ([]storage.Message, error) {
	if !validID(canvasID) {
		return nil, ErrCanvasNotFound
	}

	ms, err := c.e.store.MessagesByCanvasID(ctx, canvasID)
	if err != nil {
		return nil, c.remote("list messages", err)
	}

	return ms, nil
}

// SubscribeMessages calls onInsert for every message inserted into canvas after the call,
// in channel order. Delivery is at-least-once and not deduplicated; callers merging a snapshot
// must guard against seeing a message twice (see OpenView).
func (c *Client) SubscribeMessages(ctx context.Context, canvasID string, onInsert func(storage.Message)) (Subscription, error) {
	if !validID(canvasID) {
		return nil, ErrCanvasNotFound
	}

	sub, err := c.e.bus.SubscribeMessages(ctx, canvasID, onInsert)
	if err != nil {
		return nil, c.remote("subscribe messages", err)
	}

	return sub, nil
}

// DeleteMessage removes message and its votes
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrMessageNotFound
	}

	if err := c.e.store.DeleteMessage(ctx, id); err != nil {
		return c.remote("delete message", err)
	}

	return nil
}
