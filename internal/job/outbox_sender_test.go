package job

import (
	"context"
	"testing"

	"settlement/internal/infrastructure/mq"
	"settlement/internal/model"
	"settlement/internal/repository"
	"settlement/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxSenderPublishesPendingEvents(t *testing.T) {
	cfg := testConfig(t)
	db := testutil.NewDB(t)
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(db, cfg.Kafka.Topic.SettlementEvents)
	require.NoError(t, outbox.Enqueue(ctx, nil, model.EventPaymentCaptured, "ORD1", map[string]interface{}{"amount": 100}))
	require.NoError(t, outbox.Enqueue(ctx, nil, model.EventOrderCompleted, "ORD1", map[string]interface{}{"total": 100}))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	publisher := mq.NewKafkaPublisher(producer)
	defer publisher.Close()

	sent, err := NewOutboxSender(db, publisher, cfg, discardLogger()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	pending, err := outbox.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxSenderGivesUpAfterMaxRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.MaxRetryCount = 2
	db := testutil.NewDB(t)
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(db, cfg.Kafka.Topic.SettlementEvents)
	require.NoError(t, outbox.Enqueue(ctx, nil, model.EventPayoutPaid, "PO1", map[string]interface{}{"amount": 100}))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	publisher := mq.NewKafkaPublisher(producer)
	defer publisher.Close()
	sender := NewOutboxSender(db, publisher, cfg, discardLogger())

	sent, err := sender.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	msgs, err := outbox.ListByEventType(ctx, model.EventPayoutPaid)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboxStatusPending, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].RetryCount)

	_, err = sender.RunOnce(ctx)
	require.NoError(t, err)

	msgs, err = outbox.ListByEventType(ctx, model.EventPayoutPaid)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, msgs[0].Status)
	assert.Equal(t, 2, msgs[0].RetryCount)
}
