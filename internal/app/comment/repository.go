package comment

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	GetBacklog(ctx context.Context, threadID uint64, limit int, before *time.Time) ([]*Comment, error)
	GetCounter(ctx context.Context, threadID uint64) (int64, error)
	GetLatestNo(ctx context.Context, threadID uint64) (int64, error)
	RaiseCounter(ctx context.Context, threadID uint64, value int64) (int64, error)
	GetMaxNoByThread(ctx context.Context) (map[uint64]int64, error)
	CreateMissingCounters(ctx context.Context) (int64, error)
	GetCounters(ctx context.Context, threadIDs []uint64) (map[uint64]int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// GetBacklog returns up to limit most recent comments, oldest first.
func (r *repository) GetBacklog(ctx context.Context, threadID uint64, limit int, before *time.Time) ([]*Comment, error) {
	var comments []*Comment
	if limit <= 0 {
		return comments, nil
	}

	query := r.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if before != nil {
		query = query.Where("date < ?", before.UTC())
	}
	if err := query.Order("id DESC").Limit(limit).Find(&comments).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(comments)-1; i < j; i, j = i+1, j-1 {
		comments[i], comments[j] = comments[j], comments[i]
	}
	return comments, nil
}

func (r *repository) GetCounter(ctx context.Context, threadID uint64) (int64, error) {
	var counter CommentCounter
	err := r.db.WithContext(ctx).Where("thread_id = ?", threadID).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrCounterMissing
	}
	if err != nil {
		return 0, err
	}
	return counter.MaxNo, nil
}

// GetLatestNo reads the newest comment by id; numbering is monotonic so this is max(no).
func (r *repository) GetLatestNo(ctx context.Context, threadID uint64) (int64, error) {
	var comments []*Comment
	err := r.db.WithContext(ctx).
		Select("no").
		Where("thread_id = ?", threadID).
		Order("id DESC").
		Limit(1).
		Find(&comments).Error
	if err != nil {
		return 0, err
	}
	if len(comments) == 0 {
		return 0, nil
	}
	return comments[0].No, nil
}

// RaiseCounter sets max_no to value unless the stored value is already higher,
// creating the row when missing, and returns the stored value.
func (r *repository) RaiseCounter(ctx context.Context, threadID uint64, value int64) (int64, error) {
	var current int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`
			INSERT INTO comment_counters (thread_id, max_no)
			VALUES (?, ?)
			ON CONFLICT (thread_id) DO UPDATE SET
				max_no = excluded.max_no
			WHERE comment_counters.max_no < excluded.max_no
		`, threadID, value).Error; err != nil {
			return err
		}
		return tx.Raw(`SELECT max_no FROM comment_counters WHERE thread_id = ?`, threadID).Scan(&current).Error
	})
	return current, err
}

func (r *repository) GetMaxNoByThread(ctx context.Context) (map[uint64]int64, error) {
	var rows []struct {
		ThreadID uint64
		MaxNo    int64
	}
	err := r.db.WithContext(ctx).
		Table("comments").
		Select("thread_id, MAX(no) AS max_no").
		Group("thread_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make(map[uint64]int64, len(rows))
	for _, row := range rows {
		result[row.ThreadID] = row.MaxNo
	}
	return result, nil
}

// CreateMissingCounters adds a zero counter for every thread that lacks one.
func (r *repository) CreateMissingCounters(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
		INSERT INTO comment_counters (thread_id, max_no)
		SELECT threads.id, 0 FROM threads
		WHERE NOT EXISTS (
			SELECT 1 FROM comment_counters WHERE comment_counters.thread_id = threads.id
		)
	`)
	return res.RowsAffected, res.Error
}

// GetCounters reads the durable counters of threadIDs. Threads without a row are absent.
func (r *repository) GetCounters(ctx context.Context, threadIDs []uint64) (map[uint64]int64, error) {
	result := make(map[uint64]int64, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}

	var counters []CommentCounter
	if err := r.db.WithContext(ctx).Where("thread_id IN ?", threadIDs).Find(&counters).Error; err != nil {
		return nil, err
	}
	for _, c := range counters {
		result[c.ThreadID] = c.MaxNo
	}
	return result, nil
}
