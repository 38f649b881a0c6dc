package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) error {
	fields := logrus.Fields{
		"kind":      ev.Kind,
		"source":    ev.Source,
		"principal": ev.Principal.Hex(),
	}
	if ev.IntentID != 0 {
		fields["intentId"] = ev.IntentID
	}
	if ev.Amount != nil {
		fields["amount"] = ev.Amount.String()
	}
	if ev.ChainID != 0 {
		fields["chainId"] = ev.ChainID
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	s.Logger.WithFields(fields).Info("lifecycle event")
	return nil
}
