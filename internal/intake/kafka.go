package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/svcfields"
)

// KafkaConfig locates the brokers and topics.
type KafkaConfig struct {
	Brokers      string
	GroupID      string
	RequestTopic string
	// Extra is passed to librdkafka verbatim (sasl.*, security.protocol, ...).
	Extra map[string]string
}

func (c KafkaConfig) configMap() (*kafka.ConfigMap, error) {
	if c.Brokers == "" {
		return nil, fmt.Errorf("intake: kafka brokers required")
	}
	cm := &kafka.ConfigMap{}
	if err := cm.SetKey("bootstrap.servers", c.Brokers); err != nil {
		return nil, fmt.Errorf("intake: bootstrap.servers: %w", err)
	}
	for k, v := range c.Extra {
		if err := cm.SetKey(k, v); err != nil {
			return nil, fmt.Errorf("intake: %s: %w", k, err)
		}
	}
	return cm, nil
}

// KafkaConsumer reads init_swap requests from a topic.
type KafkaConsumer struct {
	consumer *kafka.Consumer
}

// NewKafkaConsumer joins cfg.GroupID and subscribes to cfg.RequestTopic.
func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if cfg.RequestTopic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("intake: request topic and group id required")
	}
	cm, err := cfg.configMap()
	if err != nil {
		return nil, err
	}
	for k, v := range map[string]kafka.ConfigValue{
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": true,
	} {
		if err := cm.SetKey(k, v); err != nil {
			return nil, fmt.Errorf("intake: %s: %w", k, err)
		}
	}
	consumer, err := kafka.NewConsumer(cm)
	if err != nil {
		return nil, fmt.Errorf("intake: create kafka consumer: %w", err)
	}
	if err := consumer.SubscribeTopics([]string{cfg.RequestTopic}, nil); err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("intake: subscribe %s: %w", cfg.RequestTopic, err)
	}
	return &KafkaConsumer{consumer: consumer}, nil
}

// Poll implements Consumer.
func (k *KafkaConsumer) Poll(timeout time.Duration) (*Message, error) {
	ev := k.consumer.Poll(int(timeout.Milliseconds()))
	switch e := ev.(type) {
	case *kafka.Message:
		msg := &Message{Key: e.Key, Value: e.Value, Headers: make(map[string]string, len(e.Headers))}
		if e.TopicPartition.Topic != nil {
			msg.Topic = *e.TopicPartition.Topic
		}
		for _, h := range e.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
		return msg, nil
	case kafka.Error:
		return nil, fmt.Errorf("intake: kafka: %w", e)
	default:
		return nil, nil
	}
}

// Close leaves the group.
func (k *KafkaConsumer) Close() error {
	return k.consumer.Close()
}

// KafkaPublisher produces messages without waiting for delivery. Delivery
// failures are logged from the producer's event stream.
type KafkaPublisher struct {
	producer     *kafka.Producer
	logger       pslog.Logger
	flushTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

// NewKafkaPublisher connects a producer to cfg.Brokers.
func NewKafkaPublisher(cfg KafkaConfig, logger pslog.Logger) (*KafkaPublisher, error) {
	cm, err := cfg.configMap()
	if err != nil {
		return nil, err
	}
	producer, err := kafka.NewProducer(cm)
	if err != nil {
		return nil, fmt.Errorf("intake: create kafka producer: %w", err)
	}
	p := &KafkaPublisher{
		producer:     producer,
		logger:       svcfields.WithSubsystem(logger, "intake.kafka"),
		flushTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	go p.deliveries()
	return p, nil
}

func (p *KafkaPublisher) deliveries() {
	defer close(p.done)
	for ev := range p.producer.Events() {
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				p.logger.Warn("intake.kafka.delivery.error", "key", string(e.Key), "error", e.TopicPartition.Error)
			}
		case kafka.Error:
			p.logger.Warn("intake.kafka.error", "error", e)
		}
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := msg.Topic
	out := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
	}
	for k, v := range msg.Headers {
		if v != "" {
			out.Headers = append(out.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	if err := p.producer.Produce(out, nil); err != nil {
		return fmt.Errorf("intake: produce to %s: %w", topic, err)
	}
	return nil
}

// Close flushes outstanding messages and shuts the producer down.
func (p *KafkaPublisher) Close() error {
	p.closeOnce.Do(func() {
		if left := p.producer.Flush(int(p.flushTimeout.Milliseconds())); left > 0 {
			p.logger.Warn("intake.kafka.flush.incomplete", "pending", left)
		}
		p.producer.Close()
		<-p.done
	})
	return nil
}
