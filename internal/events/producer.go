package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	NoticeUpdatedTopic = "notice.updated"

	// TypeNoticeUpdated is the websocket message type the relay emits.
	TypeNoticeUpdated = "notice_updated"
)

type NoticeUpdatedEvent struct {
	NoticeID     string        `json:"notice_id"`
	RestaurantID string        `json:"restaurant_id"`
	Status       models.Status `json:"status"`
	Actor        models.Actor  `json:"actor,omitempty"`
	Revision     int64         `json:"revision"`
	UpdatedAt    time.Time     `json:"updated_at"`
	EventTime    time.Time     `json:"event_time"`
}

func NewNoticeUpdatedEvent(o *models.Order) NoticeUpdatedEvent {
	event := NoticeUpdatedEvent{
		NoticeID:     o.ID,
		RestaurantID: o.RestaurantID,
		Status:       o.Status,
		Revision:     o.Revision,
		UpdatedAt:    o.UpdatedAt,
	}
	if last, ok := o.LastEntry(); ok {
		event.Actor = last.Actor
	}
	return event
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers, topic string, logger *logrus.Logger) (*KafkaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerFrom(producer, topic, logger), nil
}

// NewKafkaProducerFrom wraps an existing sarama producer.
func NewKafkaProducerFrom(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaProducer {
	if topic == "" {
		topic = NoticeUpdatedTopic
	}
	return &KafkaProducer{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaProducer) PublishNoticeUpdated(ctx context.Context, event NoticeUpdatedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event.EventTime = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Keyed by restaurant so a room's nudges stay ordered on one partition
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.RestaurantID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":         p.topic,
		"partition":     partition,
		"offset":        offset,
		"notice_id":     event.NoticeID,
		"restaurant_id": event.RestaurantID,
	}).Debug("Event published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
