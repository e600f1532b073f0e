package listing

import "time"

type ThreadResponse struct {
	ID          uint64    `json:"id"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	Duration    int       `json:"duration"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	// Live figures are only reported for the active thread.
	JikkyoForce *int64 `json:"jikkyo_force"`
	Viewers     *int64 `json:"viewers"`
	Comments    int64  `json:"comments"`
}

// ThreadSummary is a thread without statistics, for per-channel history.
type ThreadSummary struct {
	ID          uint64    `json:"id"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
}

type ChannelResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Threads     []ThreadResponse `json:"threads"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
