package testing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"whisp/internal/storage"
)

// ErrInjected is a store failure set up by tests
var ErrInjected = errors.New("injected store failure")

// Publisher receives inserted records, e.g. realtime.Hub
type Publisher interface {
	PublishMessage(m storage.Message)
	PublishWhisper(w storage.Whisper)
}

type voteKey struct {
	messageID, username string
}

// MemStore is an in-memory store with the constraint semantics of the Postgres schema:
// case-insensitive unique usernames per canvas, one vote row per (message, username)
// written by upsert, and vote_count adjusted together with every vote write.
type MemStore struct {
	mu           sync.Mutex
	pub          Publisher
	canvases     map[string]storage.Canvas
	participants []storage.Participant
	messages     map[string]*storage.Message
	votes        map[voteKey]storage.Vote
	whispers     map[string]*storage.Whisper
	failures     map[string]error
	calls        map[string]int
	base         time.Time
	seq          int64
}

// NewMemStore returns empty MemStore publishing inserts to pub; pub may be nil
func NewMemStore(pub Publisher) *MemStore {
	return &MemStore{
		pub:      pub,
		canvases: make(map[string]storage.Canvas),
		messages: make(map[string]*storage.Message),
		votes:    make(map[voteKey]storage.Vote),
		whispers: make(map[string]*storage.Whisper),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		base:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Fail makes every following call of method op return err until Recover
func (s *MemStore) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// Recover removes failure set by Fail
func (s *MemStore) Recover(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, op)
}

// Calls returns how many times method op was called
func (s *MemStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// VoteRows returns live vote rows of message
func (s *MemStore) VoteRows(messageID string) []storage.Vote {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Vote
	for k, v := range s.votes {
		if k.messageID == messageID {
			out = append(out, v)
		}
	}
	return out
}

// enter must be called with mu held
func (s *MemStore) enter(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.failures[op]
}

// now returns strictly increasing timestamps; must be called with mu held
func (s *MemStore) now() time.Time {
	s.seq++
	return s.base.Add(time.Duration(s.seq) * time.Millisecond)
}

func (s *MemStore) CreateCanvas(ctx context.Context, nc storage.NewCanvas) (storage.Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateCanvas"); err != nil {
		return storage.Canvas{}, err
	}

	c := storage.Canvas{
		ID:            uuid.NewString(),
		StarterPrompt: nc.StarterPrompt,
		Mode:          nc.Mode,
		CreatedBy:     nc.CreatedBy,
		CreatedAt:     s.now(),
		ExpiresAt:     nc.ExpiresAt,
	}
	s.canvases[c.ID] = c
	return c, nil
}

func (s *MemStore) CanvasByID(ctx context.Context, id string) (storage.Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CanvasByID"); err != nil {
		return storage.Canvas{}, err
	}

	c, ok := s.canvases[id]
	if !ok {
		return storage.Canvas{}, storage.ErrCanvasNotExist
	}
	return c, nil
}

func (s *MemStore) ParticipantsByUsername(ctx context.Context, canvasID, username string) ([]storage.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ParticipantsByUsername"); err != nil {
		return nil, err
	}

	out := make([]storage.Participant, 0)
	for _, p := range s.participants {
		if p.CanvasID == canvasID && strings.EqualFold(p.Username, username) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemStore) ParticipantsByCanvasID(ctx context.Context, canvasID string) ([]storage.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ParticipantsByCanvasID"); err != nil {
		return nil, err
	}

	out := make([]storage.Participant, 0)
	for i := len(s.participants) - 1; i >= 0; i-- {
		if s.participants[i].CanvasID == canvasID {
			out = append(out, s.participants[i])
		}
	}
	return out, nil
}

func (s *MemStore) CreateParticipant(ctx context.Context, canvasID, username string) (storage.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateParticipant"); err != nil {
		return storage.Participant{}, err
	}

	if _, ok := s.canvases[canvasID]; !ok {
		return storage.Participant{}, storage.ErrCanvasNotExist
	}
	for _, p := range s.participants {
		if p.CanvasID == canvasID && strings.EqualFold(p.Username, username) {
			return storage.Participant{}, storage.ErrUsernameTaken
		}
	}

	p := storage.Participant{
		ID:       uuid.NewString(),
		CanvasID: canvasID,
		Username: username,
		JoinedAt: s.now(),
	}
	s.participants = append(s.participants, p)
	return p, nil
}

func (s *MemStore) CreateMessage(ctx context.Context, canvasID, author, content string) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateMessage"); err != nil {
		return storage.Message{}, err
	}

	if _, ok := s.canvases[canvasID]; !ok {
		return storage.Message{}, storage.ErrCanvasNotExist
	}

	m := &storage.Message{
		ID:             uuid.NewString(),
		CanvasID:       canvasID,
		AuthorUsername: author,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.messages[m.ID] = m

	if s.pub != nil {
		s.pub.PublishMessage(*m)
	}
	return *m, nil
}

func (s *MemStore) MessageByID(ctx context.Context, id string) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "MessageByID"); err != nil {
		return storage.Message{}, err
	}

	m, ok := s.messages[id]
	if !ok {
		return storage.Message{}, storage.ErrMessageNotExist
	}
	return *m, nil
}

func (s *MemStore) MessagesByCanvasID(ctx context.Context, canvasID string) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "MessagesByCanvasID"); err != nil {
		return nil, err
	}

	if _, ok := s.canvases[canvasID]; !ok {
		return nil, storage.ErrCanvasNotExist
	}

	out := make([]storage.Message, 0)
	for _, m := range s.messages {
		if m.CanvasID == canvasID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "DeleteMessage"); err != nil {
		return err
	}

	if _, ok := s.messages[id]; !ok {
		return storage.ErrMessageNotExist
	}
	delete(s.messages, id)
	for k := range s.votes {
		if k.messageID == id {
			delete(s.votes, k)
		}
	}
	return nil
}

func (s *MemStore) UpsertVote(ctx context.Context, messageID, username string, d storage.Direction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpsertVote"); err != nil {
		return false, err
	}

	m, ok := s.messages[messageID]
	if !ok {
		return false, storage.ErrMessageNotExist
	}

	k := voteKey{messageID: messageID, username: username}
	prev, ok := s.votes[k]
	if ok && prev.Vote == d {
		return false, nil
	}

	v := storage.Vote{
		ID:        prev.ID,
		MessageID: messageID,
		Username:  username,
		Vote:      d,
		CreatedAt: s.now(),
	}
	if !ok {
		v.ID = uuid.NewString()
	}
	s.votes[k] = v
	m.VoteCount += int64(d) - int64(prev.Vote)

	return true, nil
}

func (s *MemStore) VotesByUsername(ctx context.Context, username string) ([]storage.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "VotesByUsername"); err != nil {
		return nil, err
	}

	out := make([]storage.Vote, 0)
	for k, v := range s.votes {
		if k.username == username {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemStore) CreateWhisper(ctx context.Context, canvasID, from, to, content string) (storage.Whisper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateWhisper"); err != nil {
		return storage.Whisper{}, err
	}

	if _, ok := s.canvases[canvasID]; !ok {
		return storage.Whisper{}, storage.ErrCanvasNotExist
	}

	w := &storage.Whisper{
		ID:           uuid.NewString(),
		CanvasID:     canvasID,
		FromUsername: from,
		ToUsername:   to,
		Content:      content,
		CreatedAt:    s.now(),
	}
	s.whispers[w.ID] = w

	if s.pub != nil {
		s.pub.PublishWhisper(*w)
	}
	return *w, nil
}

func (s *MemStore) WhisperByID(ctx context.Context, id string) (storage.Whisper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "WhisperByID"); err != nil {
		return storage.Whisper{}, err
	}

	w, ok := s.whispers[id]
	if !ok {
		return storage.Whisper{}, storage.ErrWhisperNotExist
	}
	return *w, nil
}

func (s *MemStore) WhispersByRecipient(ctx context.Context, canvasID, username string) ([]storage.Whisper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "WhispersByRecipient"); err != nil {
		return nil, err
	}

	out := make([]storage.Whisper, 0)
	for _, w := range s.whispers {
		if w.CanvasID == canvasID && w.ToUsername == username {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) MarkWhisperRead(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "MarkWhisperRead"); err != nil {
		return err
	}

	w, ok := s.whispers[id]
	if !ok {
		return storage.ErrWhisperNotExist
	}
	w.ReadAt = &at
	return nil
}

func (s *MemStore) PopularUsers(ctx context.Context, canvasID string, limit int) ([]storage.PopularUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "PopularUsers"); err != nil {
		return nil, err
	}

	out := make([]storage.PopularUser, 0)
	for _, p := range s.participants {
		if p.CanvasID != canvasID {
			continue
		}
		u := storage.PopularUser{CanvasID: canvasID, Username: p.Username}
		for _, m := range s.messages {
			if m.CanvasID == canvasID && strings.EqualFold(m.AuthorUsername, p.Username) {
				u.MessageCount++
				u.TotalVotes += m.VoteCount
			}
		}
		for _, w := range s.whispers {
			if w.CanvasID == canvasID && strings.EqualFold(w.ToUsername, p.Username) {
				u.WhispersReceived++
			}
		}
		u.PopularityScore = u.MessageCount + 2*u.TotalVotes + 3*u.WhispersReceived
		out = append(out, u)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PopularityScore == out[j].PopularityScore {
			return out[i].Username < out[j].Username
		}
		return out[i].PopularityScore > out[j].PopularityScore
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
