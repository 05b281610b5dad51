package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/segmentio/kafka-go"
)

const writeTimeout = 2 * time.Second

// KafkaProducer publishes accepted location samples and ride status
// transitions. Samples are keyed by ride id so per-ride ordering is
// preserved within a partition.
type KafkaProducer struct {
	locations *kafka.Writer
	status    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, statusTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
		status:    kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: statusTopic, Balancer: &kafka.Hash{}}),
	}
}

func (k *KafkaProducer) PublishSample(ctx context.Context, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(s.RideID), Value: b})
}

type statusEvent struct {
	RideID string    `json:"ride_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

func (k *KafkaProducer) PublishStatus(ctx context.Context, rideID string, from, to models.RideStatus) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(statusEvent{RideID: rideID, From: string(from), To: string(to), At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return k.status.WriteMessages(ctx, kafka.Message{Key: []byte(rideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	if k.locations != nil {
		errs = append(errs, k.locations.Close())
	}
	if k.status != nil {
		errs = append(errs, k.status.Close())
	}
	return errors.Join(errs...)
}
