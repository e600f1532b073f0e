package thread

import (
	"errors"
	"time"
)

type Thread struct {
	ID          uint64    `json:"id" gorm:"primaryKey"`
	ChannelID   int       `json:"channel_id" gorm:"not null;index:idx_threads_channel_start,priority:1"`
	StartAt     time.Time `json:"start_at" gorm:"not null;index:idx_threads_channel_start,priority:2"`
	EndAt       time.Time `json:"end_at" gorm:"not null;index"`
	Duration    int       `json:"duration"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusUpcoming Status = "UPCOMING"
	StatusPast     Status = "PAST"
)

var ErrThreadNotFound = errors.New("thread not found")

// StatusAt derives the thread status; it is never stored.
func (t *Thread) StatusAt(now time.Time) Status {
	switch {
	case now.Before(t.StartAt):
		return StatusUpcoming
	case now.After(t.EndAt):
		return StatusPast
	default:
		return StatusActive
	}
}

// IsLive reports whether now falls strictly inside the thread window.
func (t *Thread) IsLive(now time.Time) bool {
	return t.StartAt.Before(now) && now.Before(t.EndAt)
}

func (t *Thread) HasEnded(now time.Time) bool {
	return t.EndAt.Before(now)
}
