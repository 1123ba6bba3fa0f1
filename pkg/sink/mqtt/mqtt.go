// Package mqtt publishes records to an MQTT broker. Destination topics use
// slashes, so "prefix.schema.table" becomes "prefix/schema/table".
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/sink"
)

type Sink struct {
	client paho.Client
	config Config
}

type Config struct {
	Servers  []string `json:"servers"`
	ClientID string   `json:"clientID,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	// QoS 1 gives broker acknowledgment, matching the publish contract.
	QoS byte `json:"qos,omitempty"`
}

const publishTimeout = 10 * time.Second

func (s *Sink) Connect(config json.RawMessage) error {
	if err := json.Unmarshal(config, &s.config); err != nil {
		return fmt.Errorf("unmarshal MQTT config: %w", err)
	}

	if len(s.config.Servers) == 0 {
		s.config.Servers = []string{"tcp://localhost:1883"}
	}
	if s.config.ClientID == "" {
		s.config.ClientID = "pgrelay"
	}
	if s.config.QoS == 0 {
		s.config.QoS = 1
	}

	opts := paho.NewClientOptions().
		SetClientID(s.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second)
	for _, server := range s.config.Servers {
		opts.AddBroker(server)
	}
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
		opts.SetPassword(s.config.Password)
	}

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect to MQTT broker: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	return nil
}

func (s *Sink) Publish(_ context.Context, rec cdc.Record) error {
	if s.client == nil {
		return sink.ErrNotConnected
	}

	payload := struct {
		Fields  map[string]any    `json:"fields"`
		Headers map[string]string `json:"headers,omitempty"`
	}{Fields: rec.Fields, Headers: rec.Headers}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	topic := strings.ReplaceAll(rec.Topic, ".", "/")
	token := s.client.Publish(topic, s.config.QoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	return token.Error()
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}

func init() {
	sink.Register(sink.ConnectorMQTT, func() sink.Sink { return &Sink{} })
}
