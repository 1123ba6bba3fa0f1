// Package kafka publishes records to Kafka topics using a synchronous
// producer, so a returned nil from Publish means broker-acknowledged.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/sink"
)

type Sink struct {
	producer sarama.SyncProducer
	config   *Config
}

// Config represents Kafka-specific configuration.
type Config struct {
	Brokers []string `json:"brokers"`
	Version string   `json:"version,omitempty"`
	SASL    *SASL    `json:"sasl,omitempty"`
}

// SASL represents SASL authentication configuration.
type SASL struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Algorithm string `json:"algorithm"`
	Enable    bool   `json:"enable"`
}

func (s *Sink) Connect(config json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("unmarshal Kafka config: %w", err)
	}

	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.Version == "" {
		cfg.Version = "2.1.1"
	}

	saramaConfig := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return fmt.Errorf("invalid Kafka version: %w", err)
	}
	saramaConfig.Version = version

	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Retry.Backoff = time.Second
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	if cfg.SASL != nil && cfg.SASL.Enable {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = cfg.SASL.Username
		saramaConfig.Net.SASL.Password = cfg.SASL.Password

		switch cfg.SASL.Algorithm {
		case "sha256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "sha512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("create Kafka producer: %w", err)
	}

	s.producer = producer
	s.config = &cfg
	return nil
}

func (s *Sink) Publish(_ context.Context, rec cdc.Record) error {
	if s.producer == nil {
		return sink.ErrNotConnected
	}

	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: rec.Topic,
		Value: sarama.ByteEncoder(data),
	}
	if rec.Key != "" {
		msg.Key = sarama.StringEncoder(rec.Key)
	}
	for k, v := range rec.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func init() {
	sink.Register(sink.ConnectorKafka, func() sink.Sink { return &Sink{} })
}
