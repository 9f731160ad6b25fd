package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
)

const (
	SubjectPaymentConfirmed = "booking.payment.confirmed"
	SubjectPaymentFailed    = "booking.payment.failed"
)

// KafkaPublisher writes every status change to one topic, keyed by payment
// reference so a payment's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	addrs := strings.Split(brokers, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *KafkaPublisher) PublishStatusChanged(ctx context.Context, event models.StatusChangedEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Reference),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("payment.status.changed")},
			{Key: "acquirer", Value: []byte(event.Acquirer)},
		},
	}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", event.Reference, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NATSNotifier tells the booking notification flow (email/OTP) about
// payments that settled one way or the other.
type NATSNotifier struct {
	nc *nats.Conn
}

func NewNATSNotifier(nc *nats.Conn) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

type bookingPaymentMessage struct {
	BookingID string               `json:"booking_id"`
	Reference string               `json:"reference"`
	Status    models.PaymentStatus `json:"status"`
	Amount    string               `json:"amount"`
	Currency  string               `json:"currency"`
	Timestamp time.Time            `json:"timestamp"`
}

// SubjectFor returns the subject a status change is announced on, or "" if
// the change is not announced.
func SubjectFor(to models.PaymentStatus) string {
	switch to {
	case models.StatusSuccess:
		return SubjectPaymentConfirmed
	case models.StatusFailed, models.StatusCancelled:
		return SubjectPaymentFailed
	}
	return ""
}

func (n *NATSNotifier) PublishStatusChanged(_ context.Context, event models.StatusChangedEvent) error {
	subject := SubjectFor(event.To)
	if subject == "" {
		return nil
	}
	data, err := json.Marshal(bookingPaymentMessage{
		BookingID: event.BookingID,
		Reference: event.Reference,
		Status:    event.To,
		Amount:    event.Amount.StringFixed(2),
		Currency:  event.Currency,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode booking payment message: %w", err)
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []interfaces.EventPublisher

func (m Multi) PublishStatusChanged(ctx context.Context, event models.StatusChangedEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishStatusChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Noop struct{}

func (Noop) PublishStatusChanged(context.Context, models.StatusChangedEvent) error { return nil }
