package storage

import "time"

// Mode defines the tone of a canvas
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeRoast  Mode = "roast"
)

// Valid reports whether m is one of the known modes
func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeRoast
}

// Direction is a signed vote value
type Direction int8

const (
	Up   Direction = 1
	Down Direction = -1
)

// Valid reports whether d is Up or Down
func (d Direction) Valid() bool {
	return d == Up || d == Down
}

type Canvas struct {
	ID            string    `json:"id"`
	StarterPrompt string    `json:"starter_prompt"`
	Mode          Mode      `json:"mode"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Participant struct {
	ID       string    `json:"id"`
	CanvasID string    `json:"canvas_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

type Message struct {
	ID             string    `json:"id"`
	CanvasID       string    `json:"canvas_id"`
	AuthorUsername string    `json:"author_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	VoteCount      int64     `json:"vote_count"`
}

type Vote struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Username  string    `json:"username"`
	Vote      Direction `json:"vote"`
	CreatedAt time.Time `json:"created_at"`
}

type Whisper struct {
	ID           string     `json:"id"`
	CanvasID     string     `json:"canvas_id"`
	FromUsername string     `json:"from_username"`
	ToUsername   string     `json:"to_username"`
	Content      string     `json:"content"`
	CreatedAt    time.Time  `json:"created_at"`
	ReadAt       *time.Time `json:"read_at"`
}

// PopularUser is a row of the popular_users view
type PopularUser struct {
	CanvasID         string `json:"canvas_id"`
	Username         string `json:"username"`
	MessageCount     int64  `json:"message_count"`
	TotalVotes       int64  `json:"total_votes"`
	WhispersReceived int64  `json:"whispers_received"`
	PopularityScore  int64  `json:"popularity_score"`
}

// NewCanvas holds fields provided on canvas creation
type NewCanvas struct {
	StarterPrompt string
	Mode          Mode
	CreatedBy     string
	ExpiresAt     time.Time
}
