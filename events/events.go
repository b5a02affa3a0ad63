// Package events publishes ride tracking lifecycle events to a broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"checkpoint-tracking/models"
)

type Type string

const (
	StatusChanged Type = "status_changed"
	Arrived       Type = "arrived"
	Completed     Type = "completed"
)

// Event is the JSON body sent for every lifecycle change.
type Event struct {
	Type       Type              `json:"type"`
	RideID     string            `json:"ride_id"`
	Status     models.RideStatus `json:"status"`
	Role       models.Role       `json:"role,omitempty"`
	Coordinate models.Coordinate `json:"coordinate"`
	At         time.Time         `json:"at"`
}

// RoutingKey is the AMQP routing key, e.g. "ride.arrived".
func (e Event) RoutingKey() string {
	return "ride." + string(e.Type)
}

// Publisher delivers events. Callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Config selects and configures a Publisher.
type Config struct {
	Driver       string
	AMQPURL      string
	AMQPExchange string
	KafkaBrokers string
	KafkaTopic   string
}

// New builds the publisher named by cfg.Driver: "amqp", "kafka" or "none".
func New(ctx context.Context, cfg Config, logger logrus.FieldLogger) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return NewLogPublisher(logger), nil
	case "amqp":
		return DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, logger)
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

func encode(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return body, nil
}

// LogPublisher only logs events.
type LogPublisher struct {
	logger logrus.FieldLogger
}

func NewLogPublisher(logger logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.WithFields(logrus.Fields{
		"event":   e.Type,
		"ride_id": e.RideID,
		"status":  e.Status,
	}).Debug("tracking event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
