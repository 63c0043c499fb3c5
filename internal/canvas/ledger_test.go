package canvas_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"whisp/internal/canvas"
	"whisp/internal/session"
	"whisp/internal/storage"
	mytesting "whisp/internal/testing"
)

func TestVoteStateDelta(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		from     canvas.VoteState
		to       storage.Direction
		expected int64
	}{
		{"unvoted to up", canvas.Unvoted, storage.Up, 1},
		{"unvoted to down", canvas.Unvoted, storage.Down, -1},
		{"up to up", canvas.Upvoted, storage.Up, 0},
		{"up to down", canvas.Upvoted, storage.Down, -2},
		{"down to down", canvas.Downvoted, storage.Down, 0},
		{"down to up", canvas.Downvoted, storage.Up, 2},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.expected, tc.from.Delta(tc.to), tc.name)
	}

	require.Equal(t, canvas.Unvoted, canvas.StateOf(storage.Up, false))
	require.Equal(t, canvas.Upvoted, canvas.StateOf(storage.Up, true))
	require.Equal(t, canvas.Downvoted, canvas.StateOf(storage.Down, true))
}

func voteCount(t *testing.T, c *canvas.Client, canvasID, messageID string) int64 {
	ms, err := c.Messages(context.Background(), canvasID)
	require.NoError(t, err)
	for _, m := range ms {
		if m.ID == messageID {
			return m.VoteCount
		}
	}
	t.Fatalf("message %s not found", messageID)
	return 0
}

func TestCastVote(t *testing.T) {
	t.Parallel()

	e, store, _ := setup(t)
	c := e.ForDevice(session.NewMemory())
	ctx := context.Background()
	cv := newCanvas(t, c)

	m, err := c.PostMessage(ctx, cv.ID, "zoe", "pineapple belongs on pizza")
	require.NoError(t, err)

	t.Run("recast is idempotent", func(t *testing.T) {
		require.NoError(t, c.CastVote(ctx, m.ID, "sam", storage.Up))
		require.NoError(t, c.CastVote(ctx, m.ID, "sam", storage.Up))

		rows := store.VoteRows(m.ID)
		require.Len(t, rows, 1)
		require.Equal(t, storage.Up, rows[0].Vote)
		require.Equal(t, int64(1), voteCount(t, c, cv.ID, m.ID))
	})

	t.Run("flip rewrites the row", func(t *testing.T) {
		require.NoError(t, c.CastVote(ctx, m.ID, "sam", storage.Down))

		rows := store.VoteRows(m.ID)
		require.Len(t, rows, 1)
		require.Equal(t, storage.Down, rows[0].Vote)
		require.Equal(t, int64(-1), voteCount(t, c, cv.ID, m.ID))
	})

	t.Run("second voter", func(t *testing.T) {
		require.NoError(t, c.CastVote(ctx, m.ID, "alex", storage.Up))
		require.Len(t, store.VoteRows(m.ID), 2)
		require.Equal(t, int64(0), voteCount(t, c, cv.ID, m.ID))
	})
}

func TestCastVoteInvalid(t *testing.T) {
	t.Parallel()

	e, store, _ := setup(t)
	c := e.ForDevice(session.NewMemory())
	ctx := context.Background()

	require.ErrorIs(t, c.CastVote(ctx, uuid.NewString(), "sam", storage.Direction(0)), canvas.ErrInvalidDirection)
	require.ErrorIs(t, c.CastVote(ctx, uuid.NewString(), "sam", storage.Direction(2)), canvas.ErrInvalidDirection)
	require.ErrorIs(t, c.CastVote(ctx, uuid.NewString(), " ", storage.Up), canvas.ErrEmptyUsername)
	require.ErrorIs(t, c.CastVote(ctx, "nope", "sam", storage.Up), canvas.ErrMessageNotFound)
	require.ErrorIs(t, c.CastVote(ctx, uuid.NewString(), "sam", storage.Up), canvas.ErrMessageNotFound)
	require.Equal(t, 1, store.Calls("UpsertVote"))
}

func TestCastVoteFailureKeepsState(t *testing.T) {
	t.Parallel()

	e, store, _ := setup(t)
	c := e.ForDevice(session.NewMemory())
	ctx := context.Background()
	cv := newCanvas(t, c)

	m, err := c.PostMessage(ctx, cv.ID, "zoe", "hot take")
	require.NoError(t, err)
	require.NoError(t, c.CastVote(ctx, m.ID, "sam", storage.Up))

	store.Fail("UpsertVote", mytesting.ErrInjected)

	err = c.CastVote(ctx, m.ID, "sam", storage.Down)
	require.ErrorIs(t, err, canvas.ErrUnavailable)

	rows := store.VoteRows(m.ID)
	require.Len(t, rows, 1)
	require.Equal(t, storage.Up, rows[0].Vote)
	require.Equal(t, int64(1), voteCount(t, c, cv.ID, m.ID))
}

func TestVotesFor(t *testing.T) {
	t.Parallel()

	e, _, _ := setup(t)
	c := e.ForDevice(session.NewMemory())
	ctx := context.Background()
	cv := newCanvas(t, c)

	a, err := c.PostMessage(ctx, cv.ID, "zoe", "a")
	require.NoError(t, err)
	b, err := c.PostMessage(ctx, cv.ID, "zoe", "b")
	require.NoError(t, err)

	votes, err := c.VotesFor(ctx, "sam")
	require.NoError(t, err)
	require.Empty(t, votes)

	require.NoError(t, c.CastVote(ctx, a.ID, "sam", storage.Up))
	require.NoError(t, c.CastVote(ctx, b.ID, "sam", storage.Down))
	require.NoError(t, c.CastVote(ctx, b.ID, "alex", storage.Up))

	votes, err = c.VotesFor(ctx, "sam")
	require.NoError(t, err)
	require.Equal(t, map[string]storage.Direction{a.ID: storage.Up, b.ID: storage.Down}, votes)

	// padded usernames are keyed the same way on write and read
	require.NoError(t, c.CastVote(ctx, a.ID, " bob ", storage.Up))
	votes, err = c.VotesFor(ctx, " bob ")
	require.NoError(t, err)
	require.Equal(t, map[string]storage.Direction{a.ID: storage.Up}, votes)
	votes, err = c.VotesFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, votes, 1)

	_, err = c.VotesFor(ctx, "   ")
	require.ErrorIs(t, err, canvas.ErrEmptyUsername)
}
