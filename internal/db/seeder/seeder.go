package seeder

import (
	"context"
	"fmt"

	"jikkyo/internal/app/channel"

	"go.uber.org/zap"
)

type Seeder struct {
	channels channel.Repository
	logger   *zap.Logger
}

func NewSeeder(channels channel.Repository, logger *zap.Logger) *Seeder {
	return &Seeder{
		channels: channels,
		logger:   logger,
	}
}

func (s *Seeder) Seed(ctx context.Context) error {
	s.logger.Info("Running database seeders...")

	if err := s.seedChannels(ctx); err != nil {
		return err
	}

	s.logger.Info("Database seeders completed successfully")
	return nil
}

// seedChannels upserts the master channel table. Existing rows keep their id
// and get the current name and description.
func (s *Seeder) seedChannels(ctx context.Context) error {
	var created, updated int
	for _, ch := range channel.MasterChannels {
		ch := ch
		isNew, changed, err := s.channels.Upsert(ctx, &ch)
		if err != nil {
			return fmt.Errorf("failed to upsert channel %s: %w", channel.FormatChannelID(ch.ID), err)
		}
		if isNew {
			created++
		} else if changed {
			updated++
		}
	}

	s.logger.Info("Seeded channels",
		zap.Int("total", len(channel.MasterChannels)),
		zap.Int("created", created),
		zap.Int("updated", updated),
	)
	return nil
}
