package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/pkg/jobs"
)

// Notification kinds emitted after lifecycle transitions commit.
const (
	NotificationSessionAbsent    = "session_absent"
	NotificationSessionCompleted = "session_completed"
	NotificationSessionCancelled = "session_cancelled"
	NotificationPayoutApproved   = "payout_approved"
	NotificationPayoutPaid       = "payout_paid"
)

// NotificationSink delivers a notification to a recipient. Delivery is best effort.
type NotificationSink interface {
	Notify(ctx context.Context, recipient, kind string, payload map[string]interface{}) error
}

// MeetingRoomProvider provisions the video room of a session for presentation only.
type MeetingRoomProvider interface {
	EnsureRoomExists(ctx context.Context, session *models.Session) (*models.RoomInfo, error)
}

// NoopRoomProvider derives a deterministic room name without calling any provider.
type NoopRoomProvider struct{}

// EnsureRoomExists implements MeetingRoomProvider.
func (NoopRoomProvider) EnsureRoomExists(ctx context.Context, session *models.Session) (*models.RoomInfo, error) {
	if session == nil {
		return nil, fmt.Errorf("room provider: nil session")
	}
	return &models.RoomInfo{RoomName: "session-" + session.ID}, nil
}

// LogNotificationSink writes notifications to the structured log.
type LogNotificationSink struct {
	logger *zap.Logger
}

// NewLogNotificationSink builds a sink backed by logger.
func NewLogNotificationSink(logger *zap.Logger) *LogNotificationSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotificationSink{logger: logger}
}

// Notify implements NotificationSink.
func (s *LogNotificationSink) Notify(ctx context.Context, recipient, kind string, payload map[string]interface{}) error {
	s.logger.Info("notification",
		zap.String("recipient", recipient),
		zap.String("kind", kind),
		zap.Any("payload", payload),
	)
	return nil
}

type telegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// TelegramNotificationSink mirrors notifications into an operations chat.
type TelegramNotificationSink struct {
	sender telegramSender
	chatID string
}

// NewTelegramNotificationSink creates a bot client for token. The bot does not poll for updates.
func NewTelegramNotificationSink(token, chatID string) (*TelegramNotificationSink, error) {
	if token == "" || chatID == "" {
		return nil, fmt.Errorf("telegram sink: token and chat id are required")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("telegram sink: %w", err)
	}
	return &TelegramNotificationSink{sender: b, chatID: chatID}, nil
}

// Notify implements NotificationSink.
func (s *TelegramNotificationSink) Notify(ctx context.Context, recipient, kind string, payload map[string]interface{}) error {
	_, err := s.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: s.chatID,
		Text:   formatNotification(recipient, kind, payload),
	})
	if err != nil {
		return fmt.Errorf("send telegram notification: %w", err)
	}
	return nil
}

func formatNotification(recipient, kind string, payload map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", kind, recipient)
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "\n%s: %v", key, payload[key])
	}
	return b.String()
}

// MultiSink fans a notification out to every sink and reports the first failure.
type MultiSink []NotificationSink

// Notify implements NotificationSink.
func (m MultiSink) Notify(ctx context.Context, recipient, kind string, payload map[string]interface{}) error {
	var firstErr error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, recipient, kind, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type notificationJob struct {
	Recipient string
	Kind      string
	Payload   map[string]interface{}
}

type jobQueue interface {
	Enqueue(job jobs.Job) error
}

// QueuedNotifier hands notifications to a background queue so callers never block on delivery.
type QueuedNotifier struct {
	queue  jobQueue
	logger *zap.Logger
}

// NewQueuedNotifier wraps queue, whose handler is expected to be NotificationJobHandler.
func NewQueuedNotifier(queue jobQueue, logger *zap.Logger) *QueuedNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueuedNotifier{queue: queue, logger: logger}
}

// NotificationJobHandler adapts sink into a jobs.Handler for the notification queue.
func NotificationJobHandler(sink NotificationSink) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(notificationJob)
		if !ok {
			return fmt.Errorf("notification job %s: unexpected payload %T", job.ID, job.Payload)
		}
		return sink.Notify(ctx, payload.Recipient, payload.Kind, payload.Payload)
	}
}

// Notify implements NotificationSink. Enqueue failures are logged and swallowed.
func (n *QueuedNotifier) Notify(ctx context.Context, recipient, kind string, payload map[string]interface{}) error {
	if n == nil || n.queue == nil {
		return nil
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    kind,
		Payload: notificationJob{Recipient: recipient, Kind: kind, Payload: payload},
	}
	if err := n.queue.Enqueue(job); err != nil {
		n.logger.Warn("failed to enqueue notification", zap.String("kind", kind), zap.String("recipient", recipient), zap.Error(err))
	}
	return nil
}
