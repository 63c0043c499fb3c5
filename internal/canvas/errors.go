package canvas

import (
	"context"
	"errors"
	"fmt"

	"whisp/internal/storage"
)

// Input validation errors; returned before any store call
var (
	ErrEmptyPrompt      = errors.New("starter prompt must not be empty")
	ErrEmptyCreator     = errors.New("creator username must not be empty")
	ErrInvalidMode      = errors.New("mode must be normal or roast")
	ErrEmptyUsername    = errors.New("username must not be empty")
	ErrUsernameLength   = errors.New("username must be 3 to 20 characters")
	ErrEmptyContent     = errors.New("content must not be empty")
	ErrInvalidDirection = errors.New("vote must be 1 or -1")
)

var (
	// ErrUnavailable wraps every store or channel failure; the cause is logged and kept in the chain
	ErrUnavailable = errors.New("canvas store unavailable")

	ErrCanvasNotFound  = errors.New("canvas not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrWhisperNotFound = errors.New("whisper not found")
	ErrUsernameTaken   = errors.New("username already taken in this canvas")
	ErrNoSession       = errors.New("no session for canvas on this device")
)

// IsValidation reports whether err is an input validation failure
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrEmptyPrompt, ErrEmptyCreator, ErrInvalidMode, ErrEmptyUsername,
		ErrUsernameLength, ErrEmptyContent, ErrInvalidDirection,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// remote translates a store error into the engine's error set.
// Known storage outcomes map to typed errors; anything else is logged and wrapped with ErrUnavailable.
func (c *Client) remote(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrCanvasNotExist):
		return ErrCanvasNotFound
	case errors.Is(err, storage.ErrMessageNotExist):
		return ErrMessageNotFound
	case errors.Is(err, storage.ErrWhisperNotExist):
		return ErrWhisperNotFound
	case errors.Is(err, storage.ErrUsernameTaken):
		return ErrUsernameTaken
	case errors.Is(err, context.Canceled):
		return err
	}

	c.e.logger.Errorf("%s: %v", op, err)

	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
