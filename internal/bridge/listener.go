package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"intentrails/internal/lifecycle"
)

// DefaultDeliverySubject carries destination-side delivery confirmations.
const DefaultDeliverySubject = "bridge.delivery"

// DeliveryHandler consumes a confirmed delivery on behalf of the bridge principal.
type DeliveryHandler interface {
	VerifyDelivery(ctx context.Context, caller common.Address, messageID common.Hash, intentID uint64) error
}

// Delivery is the payload published by the bridge relayer.
type Delivery struct {
	IntentID  uint64      `json:"intentId"`
	MessageID common.Hash `json:"messageId"`
}

// DeliveryListener turns NATS delivery messages into VerifyDelivery calls made
// as the configured bridge principal.
type DeliveryListener struct {
	conn      *nats.Conn
	subject   string
	principal common.Address
	handler   DeliveryHandler
	log       *logrus.Entry
	timeout   time.Duration
	sub       *nats.Subscription
}

func NewDeliveryListener(conn *nats.Conn, subject string, principal common.Address, handler DeliveryHandler, logger *logrus.Logger) *DeliveryListener {
	if subject == "" {
		subject = DefaultDeliverySubject
	}
	return &DeliveryListener{
		conn:      conn,
		subject:   subject,
		principal: principal,
		handler:   handler,
		log:       logger.WithFields(logrus.Fields{"component": "delivery-listener", "subject": subject}),
		timeout:   10 * time.Second,
	}
}

func (l *DeliveryListener) Start() error {
	sub, err := l.conn.Subscribe(l.subject, func(msg *nats.Msg) {
		l.Handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}
	l.sub = sub
	l.log.Info("listening for bridge deliveries")
	return nil
}

func (l *DeliveryListener) Stop() {
	if l.sub != nil {
		_ = l.sub.Unsubscribe()
	}
}

// Handle processes one raw delivery payload. A duplicate delivery is logged and dropped.
func (l *DeliveryListener) Handle(data []byte) {
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		l.log.WithError(err).Warn("malformed delivery payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	entry := l.log.WithFields(logrus.Fields{"intentId": d.IntentID, "messageId": d.MessageID.Hex()})
	err := l.handler.VerifyDelivery(ctx, l.principal, d.MessageID, d.IntentID)
	switch {
	case err == nil:
		entry.Info("delivery verified")
	case errors.Is(err, lifecycle.ErrAlreadyProcessed):
		entry.Debug("duplicate delivery ignored")
	default:
		entry.WithError(err).Error("delivery verification failed")
	}
}
