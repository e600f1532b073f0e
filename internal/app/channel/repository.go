package channel

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repository interface {
	GetAllChannels(ctx context.Context) ([]*Channel, error)
	GetChannelByID(ctx context.Context, id int) (*Channel, error)
	Upsert(ctx context.Context, ch *Channel) (created bool, updated bool, err error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetAllChannels(ctx context.Context) ([]*Channel, error) {
	var channels []*Channel
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Find(&channels).Error
	return channels, err
}

func (r *repository) GetChannelByID(ctx context.Context, id int) (*Channel, error) {
	var ch Channel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&ch).Error
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *repository) Upsert(ctx context.Context, ch *Channel) (bool, bool, error) {
	var existing Channel
	err := r.db.WithContext(ctx).Where("id = ?", ch.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := r.db.WithContext(ctx).Create(ch).Error; err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if existing.Name == ch.Name && existing.Description == ch.Description {
		return false, false, nil
	}
	err = r.db.WithContext(ctx).Model(&Channel{}).
		Where("id = ?", ch.ID).
		Updates(map[string]interface{}{"name": ch.Name, "description": ch.Description}).Error
	return false, err == nil, err
}
