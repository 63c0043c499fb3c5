package canvas_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"whisp/internal/canvas"
	"whisp/internal/realtime"
	"whisp/internal/session"
	"whisp/internal/storage"
	mytesting "whisp/internal/testing"
)

// racingStore inserts a message between the subscription and the first snapshot read
type racingStore struct {
	*mytesting.MemStore
	once sync.Once
}

func (s *racingStore) MessagesByCanvasID(ctx context.Context, canvasID string) ([]storage.Message, error) {
	s.once.Do(func() {
		_, _ = s.MemStore.CreateMessage(ctx, canvasID, "sam", "raced")
	})
	return s.MemStore.MessagesByCanvasID(ctx, canvasID)
}

type recorder struct {
	mu sync.Mutex
	ms []storage.Message
}

func (r *recorder) add(m storage.Message) {
	r.mu.Lock()
	r.ms = append(r.ms, m)
	r.mu.Unlock()
}

func (r *recorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.ms))
	for _, m := range r.ms {
		out = append(out, m.Content)
	}
	return out
}

func contents(ms []storage.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Content)
	}
	return out
}

func TestOpenViewRequiresSession(t *testing.T) {
	t.Parallel()

	e, _, hub := setup(t)
	c := e.ForDevice(session.NewMemory())
	cv := newCanvas(t, c)

	_, err := c.OpenView(context.Background(), cv.ID, nil)
	require.ErrorIs(t, err, canvas.ErrNoSession)
	require.Equal(t, 0, hub.Subscribers(cv.ID))
}

func TestOpenViewSnapshot(t *testing.T) {
	t.Parallel()

	e, _, _ := setup(t)
	ctx := context.Background()
	cv := newCanvas(t, e.ForDevice(session.NewMemory()))
	c := joined(t, e, cv.ID, "zoe")

	m, err := c.PostMessage(ctx, cv.ID, "zoe", "before")
	require.NoError(t, err)
	require.NoError(t, c.CastVote(ctx, m.ID, "zoe", storage.Down))

	v, err := c.OpenView(ctx, cv.ID, nil)
	require.NoError(t, err)
	defer v.Close()

	require.Equal(t, cv.ID, v.Canvas().ID)
	require.Equal(t, "zoe", v.Username())
	require.Equal(t, []string{"before"}, contents(v.Messages()))
	require.Equal(t, map[string]storage.Direction{m.ID: storage.Down}, v.Votes())
}

func TestOpenViewDeduplicatesRace(t *testing.T) {
	t.Parallel()

	logger := zap.NewNop().Sugar()
	hub := realtime.NewHub(logger, nil)
	store := &racingStore{MemStore: mytesting.NewMemStore(hub)}
	e := canvas.New(logger, store, hub)
	ctx := context.Background()

	cv := newCanvas(t, e.ForDevice(session.NewMemory()))
	c := joined(t, e, cv.ID, "zoe")

	rec := &recorder{}
	v, err := c.OpenView(ctx, cv.ID, rec.add)
	require.NoError(t, err)
	defer v.Close()

	_, err = c.PostMessage(ctx, cv.ID, "zoe", "marker")
	require.NoError(t, err)

	// per-subscription delivery is ordered, so once marker arrives the raced push has been handled too
	require.Eventually(t, func() bool {
		got := rec.contents()
		return len(got) > 0 && got[len(got)-1] == "marker"
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"marker", "raced"}, contents(v.Messages()))
	require.Equal(t, []string{"marker"}, rec.contents())
}

func TestViewReceivesPushes(t *testing.T) {
	t.Parallel()

	e, _, _ := setup(t)
	ctx := context.Background()
	cv := newCanvas(t, e.ForDevice(session.NewMemory()))
	zoe := joined(t, e, cv.ID, "zoe")
	sam := joined(t, e, cv.ID, "sam")

	rec := &recorder{}
	v, err := zoe.OpenView(ctx, cv.ID, rec.add)
	require.NoError(t, err)
	defer v.Close()

	sv, err := sam.OpenView(ctx, cv.ID, nil)
	require.NoError(t, err)
	defer sv.Close()

	_, err = sv.Post(ctx, "  I talk to my plants  ")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.contents()) == 1
	}, time.Second, 5*time.Millisecond)

	ms := v.Messages()
	require.Len(t, ms, 1)
	require.Equal(t, "I talk to my plants", ms[0].Content)
	require.Equal(t, "sam", ms[0].AuthorUsername)
}

func TestViewVote(t *testing.T) {
	t.Parallel()

	e, store, _ := setup(t)
	ctx := context.Background()
	cv := newCanvas(t, e.ForDevice(session.NewMemory()))
	c := joined(t, e, cv.ID, "zoe")

	posted, err := c.PostMessage(ctx, cv.ID, "sam", "controversial")
	require.NoError(t, err)

	v, err := c.OpenView(ctx, cv.ID, nil)
	require.NoError(t, err)
	defer v.Close()

	m, err := v.Vote(ctx, posted.ID, storage.Up)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.VoteCount)

	// re-cast keeps the count
	m, err = v.Vote(ctx, posted.ID, storage.Up)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.VoteCount)

	m, err = v.Vote(ctx, posted.ID, storage.Down)
	require.NoError(t, err)
	require.Equal(t, int64(-1), m.VoteCount)
	require.Equal(t, storage.Down, v.Votes()[posted.ID])

	rows := store.VoteRows(posted.ID)
	require.Len(t, rows, 1)
	require.Equal(t, storage.Down, rows[0].Vote)

	_, err = v.Vote(ctx, posted.ID, storage.Direction(0))
	require.ErrorIs(t, err, canvas.ErrInvalidDirection)
}

func TestViewVoteFailureReconciles(t *testing.T) {
	t.Parallel()

	e, store, _ := setup(t)
	ctx := context.Background()
	cv := newCanvas(t, e.ForDevice(session.NewMemory()))
	c := joined(t, e, cv.ID, "zoe")

	posted, err := c.PostMessage(ctx, cv.ID, "sam", "risky")
	require.NoError(t, err)
	require.NoError(t, c.CastVote(ctx, posted.ID, "zoe", storage.Up))

	v, err := c.OpenView(ctx, cv.ID, nil)
	require.NoError(t, err)
	defer v.Close()

	store.Fail("UpsertVote", mytesting.ErrInjected)

	m, err := v.Vote(ctx, posted.ID, storage.Down)
	require.ErrorIs(t, err, canvas.ErrUnavailable)
	require.Equal(t, int64(1), m.VoteCount)
	require.Equal(t, storage.Up, v.Votes()[posted.ID])

	local, ok := v.Message(posted.ID)
	require.True(t, ok)
	require.Equal(t, int64(1), local.VoteCount)
}

func TestViewReload(t *testing.T) {
	t.Parallel()

	e, _, _ := setup(t)
	ctx := context.Background()
	cv := newCanvas(t, e.ForDevice(session.NewMemory()))
	c := joined(t, e, cv.ID, "zoe")

	_, err := c.PostMessage(ctx, cv.ID, "zoe", "old")
	require.NoError(t, err)

	rec := &recorder{}
	v, err := c.OpenView(ctx, cv.ID, rec.add)
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Post(ctx, "new")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.contents()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, v.Reload(ctx))
	require.Equal(t, []string{"new", "old"}, contents(v.Messages()))
}

func TestViewClose(t *testing.T) {
	t.Parallel()

	e, _, hub := setup(t)
	ctx := context.Background()
	cv := newCanvas(t, e.ForDevice(session.NewMemory()))
	c := joined(t, e, cv.ID, "zoe")

	rec := &recorder{}
	v, err := c.OpenView(ctx, cv.ID, rec.add)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers(cv.ID))

	v.Close()
	v.Close()
	require.Equal(t, 0, hub.Subscribers(cv.ID))

	_, err = c.PostMessage(ctx, cv.ID, "zoe", "nobody listens")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rec.contents())
	require.Empty(t, v.Messages())

	_, err = v.Vote(ctx, "00000000-0000-0000-0000-000000000000", storage.Up)
	require.ErrorIs(t, err, context.Canceled)
}
