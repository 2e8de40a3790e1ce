package pubsub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/efreitasn/certauction/internal/domain"
)

// SubjectPrefix roots the archival subjects: auction.events.<type>.
const SubjectPrefix = "auction.events"

// Subject returns the archival subject for an event type.
func Subject(typ domain.EventType) string {
	return SubjectPrefix + "." + string(typ)
}

// NATSPublisher copies every engine event except heartbeats onto NATS for
// downstream archival consumers.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(conn *nats.Conn, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

// Publish implements engine.Notifier. nats.Conn buffers writes, so this
// does not wait on the server.
func (p *NATSPublisher) Publish(ev domain.Event) {
	if ev.Type == domain.EventHeartbeat {
		return
	}
	frame, err := ev.Encode()
	if err != nil {
		p.logger.Error("encode event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	if err := p.conn.Publish(Subject(ev.Type), frame); err != nil {
		p.logger.Warn("nats publish failed",
			slog.String("subject", Subject(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// ConnectNATS dials the server with reconnects enabled.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("certauction"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect to nats: %w", err)
	}
	return conn, nil
}
