package canvas

import (
	"context"
	"strings"
	"sync"

	"whisp/internal/storage"
)

// View is the live state of one open canvas for the device's participant:
// the merged message timeline, the participant's votes and the message subscription.
// All mutations of local state are discarded once the view is closed.
type View struct {
	c         *Client
	canvas    storage.Canvas
	username  string
	onMessage func(storage.Message)

	mu       sync.Mutex
	loaded   bool
	closed   bool
	pending  []storage.Message
	messages []storage.Message
	seen     map[string]struct{}
	votes    map[string]storage.Direction

	sub Subscription
}

// OpenView opens canvas for the participant cached in this device's session.
// It subscribes before reading the snapshot and merges both by message id, so a message
// inserted between the two steps shows up exactly once. onMessage, if set, is called for
// every pushed message that was not already in the timeline.
func (c *Client) OpenView(ctx context.Context, canvasID string, onMessage func(storage.Message)) (*View, error) {
	cv, err := c.Canvas(ctx, canvasID)
	if err != nil {
		return nil, err
	}

	s, ok := c.Session(ctx, cv.ID)
	if !ok {
		return nil, ErrNoSession
	}

	v := &View{
		c:         c,
		canvas:    cv,
		username:  s.Username,
		onMessage: onMessage,
		seen:      make(map[string]struct{}),
		votes:     make(map[string]storage.Direction),
	}

	v.sub, err = c.SubscribeMessages(ctx, cv.ID, v.push)
	if err != nil {
		return nil, err
	}

	snapshot, err := c.Messages(ctx, cv.ID)
	if err != nil {
		v.Close()
		return nil, err
	}

	votes, err := c.VotesFor(ctx, v.username)
	if err != nil {
		v.Close()
		return nil, err
	}

	v.mu.Lock()
	v.messages = snapshot
	for _, m := range snapshot {
		v.seen[m.ID] = struct{}{}
	}
	v.votes = votes

	var fresh []storage.Message
	for _, m := range v.pending {
		if _, ok := v.seen[m.ID]; ok {
			continue
		}
		v.seen[m.ID] = struct{}{}
		v.messages = append([]storage.Message{m}, v.messages...)
		fresh = append(fresh, m)
	}
	v.pending = nil
	v.loaded = true
	v.mu.Unlock()

	v.notify(fresh...)

	return v, nil
}

// push is the subscription callback
func (v *View) push(m storage.Message) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if !v.loaded {
		v.pending = append(v.pending, m)
		v.mu.Unlock()
		return
	}
	if _, ok := v.seen[m.ID]; ok {
		v.mu.Unlock()
		return
	}
	v.seen[m.ID] = struct{}{}
	v.messages = append([]storage.Message{m}, v.messages...)
	v.mu.Unlock()

	v.notify(m)
}

func (v *View) notify(ms ...storage.Message) {
	if v.onMessage == nil {
		return
	}
	for _, m := range ms {
		v.onMessage(m)
	}
}

// Canvas returns the viewed canvas
func (v *View) Canvas() storage.Canvas {
	return v.canvas
}

// Username returns the participant the view acts for
func (v *View) Username() string {
	return v.username
}

// Messages returns a copy of the timeline, newest first
func (v *View) Messages() []storage.Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]storage.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Votes returns a copy of the participant's votes
func (v *View) Votes() map[string]storage.Direction {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]storage.Direction, len(v.votes))
	for k, d := range v.votes {
		out[k] = d
	}
	return out
}

// Message returns the local copy of message id
func (v *View) Message(id string) (storage.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range v.messages {
		if m.ID == id {
			return m, true
		}
	}
	return storage.Message{}, false
}

// Vote applies d to the local timeline first and then casts it in the ledger.
// If the ledger write fails the view re-reads messages and votes and returns the error.
func (v *View) Vote(ctx context.Context, messageID string, d storage.Direction) (storage.Message, error) {
	if !d.Valid() {
		return storage.Message{}, ErrInvalidDirection
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return storage.Message{}, context.Canceled
	}
	prev, ok := v.votes[messageID]
	delta := StateOf(prev, ok).Delta(d)
	v.votes[messageID] = d
	for i := range v.messages {
		if v.messages[i].ID == messageID {
			v.messages[i].VoteCount += delta
			break
		}
	}
	v.mu.Unlock()

	if err := v.c.CastVote(ctx, messageID, v.username, d); err != nil {
		if rerr := v.Reload(ctx); rerr != nil {
			v.c.e.logger.Warnf("Reloading canvas (id: %s) after failed vote: %v", v.canvas.ID, rerr)
		}
		m, _ := v.Message(messageID)
		return m, err
	}

	m, _ := v.Message(messageID)
	return m, nil
}

// Post publishes content as the view's participant; the message reaches the timeline through the subscription
func (v *View) Post(ctx context.Context, content string) (storage.Message, error) {
	return v.c.PostMessage(ctx, v.canvas.ID, v.username, strings.TrimSpace(content))
}

// Reload replaces local state with authoritative messages and votes.
// Messages pushed while reading that are newer than the snapshot are kept.
func (v *View) Reload(ctx context.Context) error {
	snapshot, err := v.c.Messages(ctx, v.canvas.ID)
	if err != nil {
		return err
	}

	votes, err := v.c.VotesFor(ctx, v.username)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}

	inSnapshot := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		inSnapshot[m.ID] = struct{}{}
	}

	var newer []storage.Message
	for _, m := range v.messages {
		if _, ok := inSnapshot[m.ID]; ok {
			continue
		}
		if len(snapshot) == 0 || m.CreatedAt.After(snapshot[0].CreatedAt) {
			newer = append(newer, m)
		}
	}

	v.messages = append(newer, snapshot...)
	v.seen = make(map[string]struct{}, len(v.messages))
	for _, m := range v.messages {
		v.seen[m.ID] = struct{}{}
	}
	v.votes = votes

	return nil
}

// Close cancels the subscription; results arriving afterwards are dropped. Safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()

	if v.sub != nil {
		v.sub.Cancel()
	}
}
