package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Options struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

type NatsProvider struct {
	Conn   *nats.Conn
	URL    string
	logger *zap.SugaredLogger
}

// NewNatsProvider connects and fails fast; reconnects after that are handled
// by the client and logged.
func NewNatsProvider(opts Options, logger *zap.Logger) (*NatsProvider, error) {
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	p := &NatsProvider{URL: opts.URL, logger: logger.Sugar()}
	conn, err := nats.Connect(opts.URL,
		nats.Name("nx-jikkyo"),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warnw("NATS disconnected", "url", opts.URL, "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.logger.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			p.logger.Errorw("NATS async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS %s: %w", opts.URL, err)
	}

	p.Conn = conn
	p.logger.Infow("NATS connected", "url", conn.ConnectedUrl())
	return p, nil
}

func (p *NatsProvider) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	return p.Conn.ChanSubscribe(subject, ch)
}

// Close drains subscriptions before closing the connection.
func (p *NatsProvider) Close() error {
	if p.Conn == nil {
		return nil
	}
	return p.Conn.Drain()
}
