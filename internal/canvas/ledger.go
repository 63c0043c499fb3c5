package canvas

import (
	"context"
	"strings"

	"whisp/internal/storage"
)

// VoteState is the position of a (message, username) pair in the ledger
type VoteState int8

const (
	Unvoted   VoteState = 0
	Upvoted   VoteState = 1
	Downvoted VoteState = -1
)

// StateOf returns the state represented by a looked up direction
func StateOf(d storage.Direction, ok bool) VoteState {
	if !ok {
		return Unvoted
	}
	return VoteState(d)
}

// Delta returns the change of a message's vote_count when moving from s to d
func (s VoteState) Delta(d storage.Direction) int64 {
	return int64(d) - int64(s)
}

// CastVote moves the (message, username) pair to direction d.
// unvoted→d inserts, a flip rewrites the row and re-casting the same direction writes nothing;
// all three happen in one atomic store statement, so a failure leaves the previous state intact.
// On error callers holding optimistic state must re-read messages and votes.
func (c *Client) CastVote(ctx context.Context, messageID, username string, d storage.Direction) error {
	if !d.Valid() {
		return ErrInvalidDirection
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return ErrEmptyUsername
	}

	if !validID(messageID) {
		return ErrMessageNotFound
	}

	changed, err := c.e.store.UpsertVote(ctx, messageID, username, d)
	if err != nil {
		return c.remote("cast vote", err)
	}

	if !changed {
		c.e.logger.Debugf("Vote %d by (%s) for message (id: %s) is unchanged", d, username, messageID)
	}

	return nil
}

// VotesFor returns all live votes of username keyed by message id.
// username is trimmed the same way CastVote trims it.
func (c *Client) VotesFor(ctx context.Context, username string) (map[string]storage.Direction, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrEmptyUsername
	}

	votes, err := c.e.store.VotesByUsername(ctx, username)
	if err != nil {
		return nil, c.remote("get votes", err)
	}

	m := make(map[string]storage.Direction, len(votes))
	for _, v := range votes {
		m[v.MessageID] = v.Vote
	}

	return m, nil
}
