package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

type NoticeEventHandler interface {
	HandleNoticeUpdated(event NoticeUpdatedEvent) error
}

// HandlerFunc adapts a plain function to NoticeEventHandler.
type HandlerFunc func(event NoticeUpdatedEvent) error

func (f HandlerFunc) HandleNoticeUpdated(event NoticeUpdatedEvent) error { return f(event) }

// KafkaConsumer feeds notice.updated events to a handler. Each service
// replica joins with its own group id so every replica sees every event.
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       NoticeEventHandler
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandler struct {
	handler NoticeEventHandler
	logger  *logrus.Logger
}

func NewKafkaConsumer(brokers, topic, groupID string, handler NoticeEventHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	// Nudges are only useful to clients connected now
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, config)
	if err != nil {
		return nil, err
	}

	if topic == "" {
		topic = NoticeUpdatedTopic
	}
	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		handler:       handler,
		logger:        logger,
		topics:        []string{topic},
	}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		handler: c.handler,
		logger:  c.logger,
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			// A bad nudge is dropped; the next poll catches up regardless
			if err := h.handleMessage(message); err != nil {
				h.logger.WithError(err).WithField("offset", message.Offset).Warn("Dropped notice event")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleMessage(message *sarama.ConsumerMessage) error {
	var event NoticeUpdatedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"notice_id":     event.NoticeID,
		"restaurant_id": event.RestaurantID,
		"partition":     message.Partition,
	}).Debug("Relaying notice updated event")
	return h.handler.HandleNoticeUpdated(event)
}
