// Package upstream imports comments mirrored from an external live-commentary
// source into local threads.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/app/comment"
	"jikkyo/internal/app/thread"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	userIDPrefix = "nicolive:"
	retryWait    = 10 * time.Second
	bufferSize   = 1024
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrNoActiveThread = errors.New("no active thread")
)

// ImportedComment is one upstream comment as published on the import subject.
type ImportedComment struct {
	ChannelID string    `json:"channel_id"`
	Date      time.Time `json:"date"`
	Mail      string    `json:"mail"`
	UserID    string    `json:"user_id"`
	Premium   bool      `json:"premium"`
	Anonymity bool      `json:"anonymity"`
	Content   string    `json:"content"`
}

// MessageSource is the subscription side of a NATS connection.
type MessageSource interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
}

type Importer struct {
	source    MessageSource
	subject   string
	threads   thread.Service
	comments  comment.Service
	logger    *zap.SugaredLogger
	retryWait time.Duration
}

func NewImporter(source MessageSource, subject string, threads thread.Service, comments comment.Service, logger *zap.Logger) *Importer {
	return &Importer{
		source:    source,
		subject:   subject,
		threads:   threads,
		comments:  comments,
		logger:    logger.Sugar(),
		retryWait: retryWait,
	}
}

// Run consumes the import subject until ctx is cancelled, resubscribing after failures.
func (i *Importer) Run(ctx context.Context) {
	i.logger.Infow("Upstream importer started", "subject", i.subject)
	for {
		err := i.consume(ctx)
		if ctx.Err() != nil {
			i.logger.Infow("Upstream importer stopped")
			return
		}

		i.logger.Errorw("Upstream import subscription failed, retrying",
			"subject", i.subject,
			"retry_in", i.retryWait.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(i.retryWait):
		}
	}
}

func (i *Importer) consume(ctx context.Context) error {
	msgs := make(chan *nats.Msg, bufferSize)
	sub, err := i.source.ChanSubscribe(i.subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", i.subject, err)
	}
	defer sub.Unsubscribe()

	check := time.NewTicker(time.Second)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-msgs:
			if _, err := i.Handle(ctx, m.Data); err != nil && ctx.Err() == nil {
				i.logger.Warnw("Dropped upstream comment", "subject", m.Subject, "error", err)
			}
		case <-check.C:
			if !sub.IsValid() {
				return errors.New("subscription is no longer valid")
			}
		}
	}
}

// Handle stores one upstream comment through the regular write path.
func (i *Importer) Handle(ctx context.Context, data []byte) (*comment.Comment, error) {
	var in ImportedComment
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to decode imported comment: %w", err)
	}

	channelID, err := channel.ParseChannelID(in.ChannelID)
	if err != nil || !channel.IsKnown(channelID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, in.ChannelID)
	}
	if target, isAlias := channel.AliasTarget(channelID); isAlias {
		channelID = target
	}

	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}

	th, err := i.threads.GetActiveThread(ctx, channelID, date)
	if err != nil {
		return nil, err
	}
	if th == nil {
		return nil, fmt.Errorf("%w on %s", ErrNoActiveThread, channel.FormatChannelID(channelID))
	}

	posted, err := i.comments.PostComment(ctx, th, comment.PostInput{
		Date:      date,
		Mail:      in.Mail,
		UserID:    userIDPrefix + in.UserID,
		Premium:   in.Premium,
		Anonymity: in.Anonymity,
		Content:   in.Content,
	})
	if err != nil {
		return nil, err
	}

	i.logger.Debugw("Imported upstream comment",
		"channel_id", channel.FormatChannelID(channelID),
		"thread_id", th.ID,
		"no", posted.No,
	)
	return posted, nil
}
