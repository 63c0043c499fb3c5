package canvas

import (
	"context"
	"strings"
	"unicode/utf8"

	"whisp/internal/storage"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 20

	ReasonLength = "length"
	ReasonTaken  = "taken"
)

// UsernameValidation is the outcome of ValidateUsername
type UsernameValidation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func usernameLengthOK(username string) bool {
	n := utf8.RuneCountInString(username)
	return n >= minUsernameLength && n <= maxUsernameLength
}

// ValidateUsername checks length locally, then looks up already joined usernames ignoring case.
// The lookup is advisory: two concurrent validations of the same name may both pass,
// Join settles the outcome.
func (c *Client) ValidateUsername(ctx context.Context, canvasID, candidate string) (UsernameValidation, error) {
	candidate = strings.TrimSpace(candidate)
	if !usernameLengthOK(candidate) {
		return UsernameValidation{Valid: false, Reason: ReasonLength}, nil
	}

	if !validID(canvasID) {
		return UsernameValidation{}, ErrCanvasNotFound
	}

	existing, err := c.e.store.ParticipantsByUsername(ctx, canvasID, candidate)
	if err != nil {
		return UsernameValidation{}, c.remote("validate username", err)
	}

	if len(existing) > 0 {
		return UsernameValidation{Valid: false, Reason: ReasonTaken}, nil
	}

	return UsernameValidation{Valid: true}, nil
}

// Join records username as a canvas participant and caches the session on this device.
// The store's case-insensitive unique index is the authority: a lost race yields ErrUsernameTaken.
func (c *Client) Join(ctx context.Context, canvasID, username string) (storage.Participant, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.Participant{}, ErrEmptyUsername
	}
	if !usernameLengthOK(username) {
		return storage.Participant{}, ErrUsernameLength
	}

	if !validID(canvasID) {
		return storage.Participant{}, ErrCanvasNotFound
	}

	p, err := c.e.store.CreateParticipant(ctx, canvasID, username)
	if err != nil {
		return storage.Participant{}, c.remote("join canvas", err)
	}

	err = c.sessions.SaveSession(ctx, Session{
		CanvasID: p.CanvasID,
		Username: p.Username,
		JoinedAt: p.JoinedAt,
	})
	if err != nil {
		c.e.logger.Warnf("Participant (%s) joined canvas (id: %s) but session was not saved: %v", p.Username, canvasID, err)
	}

	return p, nil
}

// Participants returns canvas participants, latest joined first
func (c *Client) Participants(ctx context.Context, canvasID string) ([]storage.Participant, error) {
	if !validID(canvasID) {
		return nil, ErrCanvasNotFound
	}

	ps, err := c.e.store.ParticipantsByCanvasID(ctx, canvasID)
	if err != nil {
		return nil, c.remote("list participants", err)
	}

	return ps, nil
}
