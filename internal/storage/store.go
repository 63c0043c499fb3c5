package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"whisp/internal/storage/zapadapter"
)

var (
	ErrCanvasNotExist  = errors.New("canvas does not exist")
	ErrUsernameTaken   = errors.New("username already taken in canvas")
	ErrMessageNotExist = errors.New("message does not exist")
	ErrWhisperNotExist = errors.New("whisper does not exist")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all pool connections
func (s *Store) Close() {
	s.db.Close()
}

// Ping acquires a connection and checks that the server responds
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Init creates tables, triggers and views if they do not exist yet
func (s *Store) Init(ctx context.Context) error {
	s.logger.Info("Initializing database schema")

	// no arguments, so pgx uses the simple protocol and accepts several statements
	_, err := s.db.Exec(ctx, schema)
	if err != nil {
		return err
	}

	s.logger.Info("Database schema is initialized")

	return nil
}

// pgError extracts code and constraint name if err is returned by Postgres
func pgError(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// CreateCanvas inserts canvas record and returns it
func (s *Store) CreateCanvas(ctx context.Context, nc NewCanvas) (Canvas, error) {
	s.logger.Debugf("Creating canvas by (%s) in mode %s", nc.CreatedBy, nc.Mode)

	var c Canvas
	sql := `insert into canvases (starter_prompt, mode, created_by, expires_at)
			values ($1, $2, $3, $4)
			returning id, starter_prompt, mode, created_by, created_at, expires_at`
	err := s.db.QueryRow(ctx, sql, nc.StarterPrompt, string(nc.Mode), nc.CreatedBy, nc.ExpiresAt).
		Scan(&c.ID, &c.StarterPrompt, &c.Mode, &c.CreatedBy, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return Canvas{}, err
	}

	s.logger.Debugf("Created canvas with id %s", c.ID)

	return c, nil
}

// CanvasByID returns canvas with provided id
func (s *Store) CanvasByID(ctx context.Context, id string) (Canvas, error) {
	var c Canvas
	sql := `select id, starter_prompt, mode, created_by, created_at, expires_at
			  from canvases
			 where id = $1`
	err := s.db.QueryRow(ctx, sql, id).
		Scan(&c.ID, &c.StarterPrompt, &c.Mode, &c.CreatedBy, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Canvas{}, ErrCanvasNotExist
		}
		return Canvas{}, err
	}

	return c, nil
}

// ParticipantsByUsername returns canvas participants whose username equals provided one ignoring case
func (s *Store) ParticipantsByUsername(ctx context.Context, canvasID, username string) ([]Participant, error) {
	sql := `select id, canvas_id, username, joined_at
			  from canvas_participants
			 where canvas_id = $1 and lower(username) = lower($2)`

	return s.queryParticipants(ctx, sql, canvasID, username)
}

// ParticipantsByCanvasID returns all canvas participants, latest joined first
func (s *Store) ParticipantsByCanvasID(ctx context.Context, canvasID string) ([]Participant, error) {
	sql := `select id, canvas_id, username, joined_at
			  from canvas_participants
			 where canvas_id = $1
			 order by joined_at desc`

	return s.queryParticipants(ctx, sql, canvasID)
}

func (s *Store) queryParticipants(ctx context.Context, sql string, args ...interface{}) ([]Participant, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		err = rows.Scan(&p.ID, &p.CanvasID, &p.Username, &p.JoinedAt)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return participants, nil
}

// CreateParticipant inserts participant record; the unique index on (canvas_id, lower(username))
// decides which of concurrent joins with the same name wins
func (s *Store) CreateParticipant(ctx context.Context, canvasID, username string) (Participant, error) {
	s.logger.Debugf("Joining canvas (id: %s) as (%s)", canvasID, username)

	var p Participant
	sql := `insert into canvas_participants (canvas_id, username)
			values ($1, $2)
			returning id, canvas_id, username, joined_at`
	err := s.db.QueryRow(ctx, sql, canvasID, username).Scan(&p.ID, &p.CanvasID, &p.Username, &p.JoinedAt)
	if err != nil {
		switch code, _ := pgError(err); code {
		case pgerrcode.UniqueViolation:
			return Participant{}, ErrUsernameTaken
		case pgerrcode.ForeignKeyViolation:
			return Participant{}, ErrCanvasNotExist
		default:
			return Participant{}, err
		}
	}

	s.logger.Debugf("Participant (%s) joined canvas (id: %s)", username, canvasID)

	return p, nil
}

// CreateMessage creates new message in database and returns it
func (s *Store) CreateMessage(ctx context.Context, canvasID, author, content string) (Message, error) {
	s.logger.Debugf("Creating message from (%s) in canvas (id: %s)", author, canvasID)

	var m Message
	sql := `insert into canvas_messages (canvas_id, author_username, content)
			values ($1, $2, $3)
			returning id, canvas_id, author_username, content, created_at, vote_count`
	err := s.db.QueryRow(ctx, sql, canvasID, author, content).
		Scan(&m.ID, &m.CanvasID, &m.AuthorUsername, &m.Content, &m.CreatedAt, &m.VoteCount)
	if err != nil {
		if code, _ := pgError(err); code == pgerrcode.ForeignKeyViolation {
			return Message{}, ErrCanvasNotExist
		}
		return Message{}, err
	}

	return m, nil
}

// MessageByID returns message with provided id
func (s *Store) MessageByID(ctx context.Context, id string) (Message, error) {
	var m Message
	sql := `select id, canvas_id, author_username, content, created_at, vote_count
			  from canvas_messages
			 where id = $1`
	err := s.db.QueryRow(ctx, sql, id).
		Scan(&m.ID, &m.CanvasID, &m.AuthorUsername, &m.Content, &m.CreatedAt, &m.VoteCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}

	return m, nil
}

// MessagesByCanvasID returns list of all canvas messages sorted by creation time
// (from latest to earliest)
func (s *Store) MessagesByCanvasID(ctx context.Context, canvasID string) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for canvas (id: %s)", canvasID)

	// check if canvas exists
	var i int8
	sql := "select 1 from canvases where id = $1"
	err := s.db.QueryRow(ctx, sql, canvasID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCanvasNotExist
		}
		return nil, err
	}

	sql = `select id, canvas_id, author_username, content, created_at, vote_count
			 from canvas_messages
			where canvas_id = $1
			order by created_at desc, id desc`

	rows, err := s.db.Query(ctx, sql, canvasID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		err = rows.Scan(&m.ID, &m.CanvasID, &m.AuthorUsername, &m.Content, &m.CreatedAt, &m.VoteCount)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// DeleteMessage deletes message together with its votes
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "delete from canvas_messages where id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotExist
	}

	return nil
}

// UpsertVote stores vote of username for message in a single statement keyed on (message_id, username).
// Re-casting the same direction writes nothing and reports changed as false.
// vote_count of the message is adjusted by trigger in the same transaction.
func (s *Store) UpsertVote(ctx context.Context, messageID, username string, d Direction) (bool, error) {
	s.logger.Debugf("Casting vote %d by (%s) for message (id: %s)", d, username, messageID)

	sql := `insert into votes (message_id, username, vote)
			values ($1, $2, $3)
			on conflict (message_id, username)
			do update set vote = excluded.vote, created_at = now()
			where votes.vote <> excluded.vote`
	tag, err := s.db.Exec(ctx, sql, messageID, username, int16(d))
	if err != nil {
		if code, _ := pgError(err); code == pgerrcode.ForeignKeyViolation {
			return false, ErrMessageNotExist
		}
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

// VotesByUsername returns every live vote of username across all messages
func (s *Store) VotesByUsername(ctx context.Context, username string) ([]Vote, error) {
	sql := `select id, message_id, username, vote, created_at
			  from votes
			 where username = $1`

	rows, err := s.db.Query(ctx, sql, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	votes := make([]Vote, 0)
	for rows.Next() {
		var (
			v   Vote
			dir int16
		)
		err = rows.Scan(&v.ID, &v.MessageID, &v.Username, &dir, &v.CreatedAt)
		if err != nil {
			return nil, err
		}
		v.Vote = Direction(dir)
		votes = append(votes, v)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return votes, nil
}

const whisperColumns = "id, canvas_id, from_username, to_username, content, created_at, read_at"

func scanWhisper(row pgx.Row) (Whisper, error) {
	var (
		w      Whisper
		readAt pgtype.Timestamptz
	)
	err := row.Scan(&w.ID, &w.CanvasID, &w.FromUsername, &w.ToUsername, &w.Content, &w.CreatedAt, &readAt)
	if err != nil {
		return Whisper{}, err
	}
	if readAt.Status == pgtype.Present {
		t := readAt.Time
		w.ReadAt = &t
	}

	return w, nil
}

// CreateWhisper stores a private message from one participant to another
func (s *Store) CreateWhisper(ctx context.Context, canvasID, from, to, content string) (Whisper, error) {
	s.logger.Debugf("Creating whisper from (%s) to (%s) in canvas (id: %s)", from, to, canvasID)

	sql := `insert into whispers (canvas_id, from_username, to_username, content)
			values ($1, $2, $3, $4)
			returning ` + whisperColumns
	w, err := scanWhisper(s.db.QueryRow(ctx, sql, canvasID, from, to, content))
	if err != nil {
		if code, _ := pgError(err); code == pgerrcode.ForeignKeyViolation {
			return Whisper{}, ErrCanvasNotExist
		}
		return Whisper{}, err
	}

	return w, nil
}

// WhisperByID returns whisper with provided id
func (s *Store) WhisperByID(ctx context.Context, id string) (Whisper, error) {
	sql := "select " + whisperColumns + " from whispers where id = $1"
	w, err := scanWhisper(s.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Whisper{}, ErrWhisperNotExist
		}
		return Whisper{}, err
	}

	return w, nil
}

// WhispersByRecipient returns whispers addressed to username in canvas, latest first
func (s *Store) WhispersByRecipient(ctx context.Context, canvasID, username string) ([]Whisper, error) {
	sql := "select " + whisperColumns + ` from whispers
			 where canvas_id = $1 and to_username = $2
			 order by created_at desc, id desc`

	rows, err := s.db.Query(ctx, sql, canvasID, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	whispers := make([]Whisper, 0)
	for rows.Next() {
		w, err := scanWhisper(rows)
		if err != nil {
			return nil, err
		}
		whispers = append(whispers, w)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return whispers, nil
}

// MarkWhisperRead sets read time of whisper
func (s *Store) MarkWhisperRead(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, "update whispers set read_at = $2 where id = $1", id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWhisperNotExist
	}

	return nil
}

// PopularUsers returns at most limit rows of popular_users view ordered by score
func (s *Store) PopularUsers(ctx context.Context, canvasID string, limit int) ([]PopularUser, error) {
	sql := `select canvas_id, username, message_count, total_votes, whispers_received, popularity_score
			  from popular_users
			 where canvas_id = $1
			 order by popularity_score desc, username
			 limit $2`

	rows, err := s.db.Query(ctx, sql, canvasID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]PopularUser, 0, limit)
	for rows.Next() {
		var u PopularUser
		err = rows.Scan(&u.CanvasID, &u.Username, &u.MessageCount, &u.TotalVotes, &u.WhispersReceived, &u.PopularityScore)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return users, nil
}

// Listen holds a dedicated connection subscribed to provided channels and calls fn for every notification.
// It returns when ctx is done or the connection fails; it never re-subscribes.
func (s *Store) Listen(ctx context.Context, channels []string, fn func(channel, payload string)) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}

	s.logger.Infof("Listening for notifications on %v", channels)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(n.Channel, n.Payload)
	}
}
