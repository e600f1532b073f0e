package comment

import (
	"errors"
	"strconv"
	"time"
)

type Comment struct {
	ID        uint64    `json:"id" gorm:"primaryKey"`
	ThreadID  uint64    `json:"thread_id" gorm:"not null;uniqueIndex:idx_comments_thread_no,priority:1;index:idx_comments_thread_id,priority:1"`
	No        int64     `json:"no" gorm:"not null;uniqueIndex:idx_comments_thread_no,priority:2"`
	Vpos      int64     `json:"vpos" gorm:"not null"`
	Date      time.Time `json:"date" gorm:"not null;index"`
	Mail      string    `json:"mail" gorm:"not null;default:''"`
	UserID    string    `json:"user_id" gorm:"not null;index"`
	Premium   bool      `json:"premium" gorm:"not null;default:false"`
	Anonymity bool      `json:"anonymity" gorm:"not null;default:false"`
	Content   string    `json:"content" gorm:"type:text;not null"`
}

type CommentCounter struct {
	ThreadID uint64 `json:"thread_id" gorm:"primaryKey;autoIncrement:false"`
	MaxNo    int64  `json:"max_no" gorm:"not null;default:0"`
}

var (
	ErrCounterMissing = errors.New("comment counter missing")
	ErrThreadEnded    = errors.New("thread has ended")
)

// Chat is the legacy XML-compatible comment object. Numeric flags equal to
// zero are dropped from the wire, which the legacy clients depend on.
type Chat struct {
	Thread    string `json:"thread"`
	No        int64  `json:"no"`
	Vpos      int64  `json:"vpos"`
	Date      int64  `json:"date"`
	DateUsec  int64  `json:"date_usec"`
	Mail      string `json:"mail"`
	UserID    string `json:"user_id"`
	Premium   int    `json:"premium,omitempty"`
	Anonymity int    `json:"anonymity,omitempty"`
	Content   string `json:"content"`
	YourPost  int    `json:"yourpost,omitempty"`
}

type ChatMessage struct {
	Chat Chat `json:"chat"`
}

func (c *Comment) ToChat() ChatMessage {
	return ChatMessage{Chat: Chat{
		Thread:    strconv.FormatUint(c.ThreadID, 10),
		No:        c.No,
		Vpos:      c.Vpos,
		Date:      c.Date.Unix(),
		DateUsec:  int64(c.Date.Nanosecond() / 1000),
		Mail:      c.Mail,
		UserID:    c.UserID,
		Premium:   boolToInt(c.Premium),
		Anonymity: boolToInt(c.Anonymity),
		Content:   c.Content,
	}}
}

// WithYourPost returns a copy flagged for the recipient whose thread key matches the author.
func (m ChatMessage) WithYourPost(threadKey string) ChatMessage {
	m.Chat.YourPost = 0
	if threadKey != "" && threadKey == m.Chat.UserID {
		m.Chat.YourPost = 1
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PostInput carries one comment to be numbered and stored.
type PostInput struct {
	// Vpos is used as-is when set; otherwise derived from Date and the thread start.
	Vpos      *int64
	Date      time.Time
	Mail      string
	UserID    string
	Premium   bool
	Anonymity bool
	Content   string
}
