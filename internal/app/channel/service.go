package channel

import (
	"context"
	"fmt"
)

type Service interface {
	GetAllChannels(ctx context.Context) ([]*Channel, error)
	GetChannelByID(ctx context.Context, id int) (*Channel, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) GetAllChannels(ctx context.Context) ([]*Channel, error) {
	channels, err := s.repo.GetAllChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channels: %w", err)
	}
	return channels, nil
}

func (s *service) GetChannelByID(ctx context.Context, id int) (*Channel, error) {
	return s.repo.GetChannelByID(ctx, id)
}
