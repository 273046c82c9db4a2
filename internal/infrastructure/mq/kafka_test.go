package mq

import (
	"context"
	"errors"
	"testing"

	"settlement/internal/config"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisherSendsKeyedMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "settlement-events" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "ORD1" {
			return errors.New("wrong key " + string(key))
		}
		return nil
	})

	pub := NewKafkaPublisher(producer)
	require.NoError(t, pub.Publish(context.Background(), "settlement-events", "ORD1", []byte(`{"event":"payment.captured"}`)))
	require.NoError(t, pub.Close())
}

func TestKafkaPublisherReturnsBrokerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	pub := NewKafkaPublisher(producer)
	err := pub.Publish(context.Background(), "settlement-events", "ORD1", []byte("{}"))
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisherHonoursCancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub := NewKafkaPublisher(producer)
	assert.ErrorIs(t, pub.Publish(ctx, "t", "k", nil), context.Canceled)
	require.NoError(t, pub.Close())
}

func TestNewSyncProducerNeedsBrokers(t *testing.T) {
	_, err := NewSyncProducer(config.KafkaConfig{})
	assert.ErrorIs(t, err, ErrNoBrokers)
}
