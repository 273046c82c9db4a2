package job

import (
	"context"
	"log/slog"

	"settlement/internal/config"
	"settlement/internal/infrastructure/mq"
	"settlement/internal/model"
	"settlement/internal/repository"

	"gorm.io/gorm"
)

const OutboxSenderName = "outbox_sender"

// OutboxSender publishes committed settlement events. A message is retried
// on later ticks until it is sent or reaches the retry limit.
type OutboxSender struct {
	ticker
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config, logger *slog.Logger) *OutboxSender {
	maxRetry := cfg.Jobs.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &OutboxSender{
		ticker:     newTicker(OutboxSenderName, cfg.Jobs.OutboxInterval, logger),
		outboxRepo: repository.NewOutboxRepository(db, cfg.Kafka.Topic.SettlementEvents),
		publisher:  publisher,
		batchSize:  cfg.Jobs.BatchSize,
		maxRetry:   maxRetry,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.loop(ctx, func(ctx context.Context) {
		_, _ = s.RunOnce(ctx)
	})
}

// RunOnce publishes one batch of pending messages and returns how many were
// sent.
func (s *OutboxSender) RunOnce(ctx context.Context) (int, error) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", slog.Any("error", err))
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent, nil
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, []byte(msg.Payload))
	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.logger.Error("更新消息状态失败", slog.Int64("id", msg.ID), slog.Any("error", updateErr))
			return false
		}
		s.logger.Debug("event published",
			slog.Int64("id", msg.ID),
			slog.String("event", msg.EventType),
			slog.String("key", msg.MessageKey))
		return true
	}

	s.logger.Warn("消息发送失败", slog.Int64("id", msg.ID), slog.String("event", msg.EventType), slog.Any("error", err))

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("标记消息失败状态失败", slog.Int64("id", msg.ID), slog.Any("error", err))
		} else {
			s.logger.Error("消息超过最大重试次数，标记为失败",
				slog.Int64("id", msg.ID),
				slog.String("event", msg.EventType),
				slog.String("key", msg.MessageKey))
		}
		return false
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("增加重试次数失败", slog.Int64("id", msg.ID), slog.Any("error", err))
	}
	return false
}
