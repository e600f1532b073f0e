package utils

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const probeTimeout = 2 * time.Second

type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Services  []Service `json:"services"`
}

type Service struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the backing stores. Nil members are skipped; NATS is
// only set when the upstream import is enabled.
type HealthChecker struct {
	DB    *gorm.DB
	Redis *redis.Client
	Nats  *nats.Conn
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	var probes []struct {
		name  string
		check func(context.Context) error
	}
	add := func(name string, check func(context.Context) error) {
		probes = append(probes, struct {
			name  string
			check func(context.Context) error
		}{name, check})
	}

	if h.DB != nil {
		add("PostgreSQL", func(ctx context.Context) error {
			sqlDB, err := h.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
	}
	if h.Redis != nil {
		add("Redis", func(ctx context.Context) error {
			return h.Redis.Ping(ctx).Err()
		})
	}
	if h.Nats != nil {
		add("NATS", func(context.Context) error {
			if !h.Nats.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		})
	}

	overall := "healthy"
	services := make([]Service, 0, len(probes))
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.check(pctx)
		cancel()

		service := Service{Name: p.name, Status: "up"}
		if err != nil {
			service.Status = "down"
			service.Message = err.Error()
			overall = "degraded"
		}
		services = append(services, service)
	}

	return HealthStatus{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Services:  services,
	}
}
