package thread

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindActive(ctx context.Context, channelID int, at time.Time) (*Thread, error)
	GetThreadByID(ctx context.Context, id uint64) (*Thread, error)
	GetThreadByIDAndChannel(ctx context.Context, id uint64, channelID int) (*Thread, error)
	ExistsWithStart(ctx context.Context, channelID int, startAt time.Time) (bool, error)
	CreateWithCounter(ctx context.Context, t *Thread) error
	ListStartedSince(ctx context.Context, since *time.Time) ([]*Thread, error)
	ListByChannel(ctx context.Context, channelID int) ([]*Thread, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// FindActive returns nil without error when no thread covers at.
func (r *repository) FindActive(ctx context.Context, channelID int, at time.Time) (*Thread, error) {
	var threads []*Thread
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND start_at <= ? AND end_at >= ?", channelID, at.UTC(), at.UTC()).
		Order("start_at ASC").
		Limit(1).
		Find(&threads).Error
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, nil
	}
	return threads[0], nil
}

func (r *repository) GetThreadByID(ctx context.Context, id uint64) (*Thread, error) {
	var t Thread
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repository) GetThreadByIDAndChannel(ctx context.Context, id uint64, channelID int) (*Thread, error) {
	var t Thread
	err := r.db.WithContext(ctx).
		Where("id = ? AND channel_id = ?", id, channelID).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repository) ExistsWithStart(ctx context.Context, channelID int, startAt time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Thread{}).
		Where("channel_id = ? AND start_at = ?", channelID, startAt.UTC()).
		Count(&count).Error
	return count > 0, err
}

// CreateWithCounter inserts the thread together with its zero-valued comment counter.
func (r *repository) CreateWithCounter(ctx context.Context, t *Thread) error {
	t.StartAt = t.StartAt.UTC()
	t.EndAt = t.EndAt.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return tx.Exec(`
			INSERT INTO comment_counters (thread_id, max_no)
			VALUES (?, 0)
			ON CONFLICT (thread_id) DO NOTHING
		`, t.ID).Error
	})
}

// ListStartedSince returns threads ordered by channel and start time. A nil
// since returns every thread.
func (r *repository) ListStartedSince(ctx context.Context, since *time.Time) ([]*Thread, error) {
	var threads []*Thread
	query := r.db.WithContext(ctx)
	if since != nil {
		query = query.Where("start_at >= ?", since.UTC())
	}
	if err := query.Order("channel_id ASC, start_at ASC").Find(&threads).Error; err != nil {
		return nil, err
	}
	return threads, nil
}

// ListByChannel returns the channel's threads, newest first.
func (r *repository) ListByChannel(ctx context.Context, channelID int) ([]*Thread, error) {
	var threads []*Thread
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("start_at DESC").
		Find(&threads).Error
	if err != nil {
		return nil, err
	}
	return threads, nil
}
