package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultSubjectPrefix = "intents"

// NATSSink publishes events as JSON on "<prefix>.<source>.<kind>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// DialNATS connects with reconnect handling and returns the connection for reuse
// by other NATS consumers in the process.
func DialNATS(url string, timeout time.Duration, logger *logrus.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := logger.WithField("component", "nats")
	conn, err := nats.Connect(url,
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, ev.Source, ev.Kind)
}

func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), payload); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}
