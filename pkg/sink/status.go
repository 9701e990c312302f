package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/metrics"
)

// StatusSource provides the data published in each status record.
type StatusSource interface {
	Snapshot() metrics.Snapshot
}

// ActiveSource reports the active program per fixture.
type ActiveSource func(ctx context.Context) (map[string]string, error)

// StatusPublisher periodically publishes a JSON status record to a NATS
// subject, replacing the process's log-line heartbeat for anything that
// wants to watch it remotely.
type StatusPublisher struct {
	conn     *nats.Conn
	subject  string
	interval time.Duration
	source   StatusSource
	active   ActiveSource
	logger   *zap.Logger
}

// NewStatusPublisher creates a publisher. The connection is owned by the
// caller.
func NewStatusPublisher(conn *nats.Conn, subject string, interval time.Duration, source StatusSource, active ActiveSource, logger *zap.Logger) *StatusPublisher {
	return &StatusPublisher{
		conn:     conn,
		subject:  subject,
		interval: interval,
		source:   source,
		active:   active,
		logger:   logger.Named("status"),
	}
}

type statusRecord struct {
	Timestamp      time.Time         `json:"timestamp"`
	Metrics        metrics.Snapshot  `json:"metrics"`
	ActivePrograms map[string]string `json:"active_programs,omitempty"`
}

// Run publishes until the context is canceled.
func (p *StatusPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *StatusPublisher) publish(ctx context.Context) {
	record := statusRecord{
		Timestamp: time.Now().UTC(),
		Metrics:   p.source.Snapshot(),
	}
	if p.active != nil {
		active, err := p.active(ctx)
		if err != nil {
			p.logger.Warn("unable to collect active programs", zap.Error(err))
		} else {
			record.ActivePrograms = active
		}
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		p.logger.Error("unable to encode status record", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, encoded); err != nil {
		p.logger.Warn("unable to publish status record", zap.Error(err))
	}
}
