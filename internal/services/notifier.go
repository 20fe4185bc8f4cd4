package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

// OrderConfirmedRoutingKey is the routing key and event type of confirmations
const OrderConfirmedRoutingKey = "order.confirmed"

// NotifierConfig selects and configures the notification backend
type NotifierConfig struct {
	Backend      string // log, rabbitmq or kafka
	AMQPURL      string
	Exchange     string
	KafkaBrokers []string
	KafkaTopic   string
}

// NewNotificationPublisher creates the configured publisher. When the broker
// cannot be reached it logs a warning and falls back to the log publisher so
// checkout keeps working.
func NewNotificationPublisher(config NotifierConfig) NotificationPublisher {
	switch strings.ToLower(config.Backend) {
	case "rabbitmq", "amqp":
		publisher, err := NewRabbitMQPublisher(config.AMQPURL, config.Exchange)
		if err != nil {
			logrus.WithError(err).Warn("RabbitMQ unavailable, logging order confirmations instead")
			return NewLogPublisher()
		}
		return publisher
	case "kafka":
		publisher, err := NewKafkaPublisher(config.KafkaBrokers, config.KafkaTopic)
		if err != nil {
			logrus.WithError(err).Warn("Kafka unavailable, logging order confirmations instead")
			return NewLogPublisher()
		}
		return publisher
	default:
		return NewLogPublisher()
	}
}

// RabbitMQPublisher publishes confirmations to a topic exchange
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewRabbitMQPublisher dials the broker and declares the exchange
func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	if url == "" {
		return nil, &models.ConfigurationError{Key: "NOTIFY_AMQP_URL", Message: "is required for the rabbitmq backend"}
	}
	if exchange == "" {
		exchange = "orders"
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logrus.WithField("exchange", exchange).Info("Connected to RabbitMQ")
	return &RabbitMQPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// PublishOrderConfirmed publishes a persistent JSON message
func (p *RabbitMQPublisher) PublishOrderConfirmed(ctx context.Context, event models.OrderConfirmedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		OrderConfirmedRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.ID,
			Type:         OrderConfirmedRoutingKey,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the channel and the connection
func (p *RabbitMQPublisher) Close() error {
	var errs []error

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors while closing RabbitMQ: %v", errs)
	}
	return nil
}

// KafkaPublisher writes confirmations to a Kafka topic keyed by order number
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher checks that a broker is reachable and creates the writer
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, &models.ConfigurationError{Key: "NOTIFY_KAFKA_BROKERS", Message: "is required for the kafka backend"}
	}
	if topic == "" {
		topic = "order-confirmations"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka: %w", err)
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Debug("Could not create topic (might already exist)")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	logrus.WithFields(logrus.Fields{"brokers": brokers, "topic": topic}).Info("Connected to Kafka")
	return &KafkaPublisher{writer: writer}, nil
}

// PublishOrderConfirmed writes one message per confirmation
func (p *KafkaPublisher) PublishOrderConfirmed(ctx context.Context, event models.OrderConfirmedEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OrderNumber),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(OrderConfirmedRoutingKey)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes confirmations to the log
type LogPublisher struct{}

// NewLogPublisher creates a new log publisher
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// PublishOrderConfirmed logs the event
func (p *LogPublisher) PublishOrderConfirmed(ctx context.Context, event models.OrderConfirmedEvent) error {
	logrus.WithFields(logrus.Fields{
		"event":        OrderConfirmedRoutingKey,
		"event_id":     event.ID,
		"order_id":     event.OrderID,
		"order_number": event.OrderNumber,
		"total":        event.Total,
		"currency":     event.Currency,
	}).Info("Order confirmed")
	return nil
}

// Close does nothing
func (p *LogPublisher) Close() error {
	return nil
}
