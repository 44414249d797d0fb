package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
)

const DefaultChannel = "app"

type notificationWriter interface {
	InsertNotification(ctx context.Context, n *storex.Notification) error
}

// Publisher fans a logged notification out to a delivery queue.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Sink records notifications and, when a publisher is configured, forwards
// them for delivery. A failed publish is logged and does not fail the log.
type Sink struct {
	store     notificationWriter
	publisher Publisher
	now       func() time.Time
}

func NewSink(store notificationWriter, publisher Publisher) (*Sink, error) {
	if store == nil {
		return nil, errors.New("notification store is required")
	}
	return &Sink{store: store, publisher: publisher, now: time.Now}, nil
}

func (s *Sink) Log(ctx context.Context, patientID, channel, kind string, payload map[string]any) (storex.Notification, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return storex.Notification{}, fmt.Errorf("%w: notification type is required", contractx.ErrValidation)
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if payload == nil {
		payload = map[string]any{}
	}

	n := storex.Notification{
		ID:        uuid.NewString(),
		PatientID: patientID,
		Channel:   channel,
		Type:      kind,
		Payload:   payload,
		Status:    storex.NotificationSent,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertNotification(ctx, &n); err != nil {
		return storex.Notification{}, fmt.Errorf("%w: log notification: %v", contractx.ErrTransient, err)
	}

	if s.publisher != nil {
		msgID, err := s.publisher.Publish(ctx, n)
		logger := log.Ctx(ctx).With().Str("notification_id", n.ID).Str("patient_id", patientID).Logger()
		if err != nil {
			logger.Warn().Err(err).Msg("notification publish failed")
		} else {
			logger.Debug().Str("message_id", msgID).Msg("notification published")
		}
	}
	return n, nil
}
