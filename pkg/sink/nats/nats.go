// Package nats publishes records to NATS JetStream, one subject per
// destination topic.
package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/sink"
)

type Sink struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
}

// Config represents NATS sink configuration.
type Config struct {
	Servers []string `json:"servers"`
	Stream  string   `json:"stream"`
	// SubjectPrefix must match the pipeline's topic prefix; the stream is
	// created over "<subjectPrefix>.>".
	SubjectPrefix string `json:"subjectPrefix"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	TLS           struct {
		Enabled  bool   `json:"enabled"`
		CertFile string `json:"certFile,omitempty"`
		KeyFile  string `json:"keyFile,omitempty"`
		CAFile   string `json:"caFile,omitempty"`
	} `json:"tls,omitempty"`
}

func (s *Sink) Connect(config json.RawMessage) error {
	if err := json.Unmarshal(config, &s.config); err != nil {
		return fmt.Errorf("unmarshal NATS config: %w", err)
	}

	if len(s.config.Servers) == 0 {
		s.config.Servers = []string{nats.DefaultURL}
	}
	s.config.SubjectPrefix = cmp.Or(s.config.SubjectPrefix, "pgrelay")
	s.config.Stream = cmp.Or(s.config.Stream, fmt.Sprintf("%s-stream", s.config.SubjectPrefix))

	opts := defaultOptions(s.config)

	// Connect to first available server
	var err error
	for _, server := range s.config.Servers {
		s.nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if s.js, err = s.nc.JetStream(); err != nil {
		s.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	if err := s.ensureStream(); err != nil {
		s.nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

func (s *Sink) Publish(ctx context.Context, rec cdc.Record) error {
	if s.js == nil {
		return sink.ErrNotConnected
	}

	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msg := nats.NewMsg(rec.Topic)
	msg.Data = data
	for k, v := range rec.Headers {
		msg.Header.Set(k, v)
	}
	if rec.Key != "" {
		msg.Header.Set("key", rec.Key)
	}

	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

func (s *Sink) ensureStream() error {
	config := &nats.StreamConfig{
		Name:     s.config.Stream,
		Subjects: []string{s.config.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	info, err := s.js.StreamInfo(s.config.Stream)
	if err == nil {
		if !streamConfigEqual(info.Config, *config) {
			if _, err = s.js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
		}
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := s.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// streamConfigEqual checks if two nats.StreamConfig are equivalent
func streamConfigEqual(a, b nats.StreamConfig) bool {
	if a.Name != b.Name || a.Storage != b.Storage || a.Replicas != b.Replicas {
		return false
	}
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return true
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		var tlsOpt nats.Option
		if c.TLS.CAFile != "" {
			tlsOpt = nats.RootCAs(c.TLS.CAFile)
		} else if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			tlsOpt = nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile)
		}
		if tlsOpt != nil {
			opts = append(opts, tlsOpt)
		}
	}

	return opts
}

func init() {
	sink.Register(sink.ConnectorNATS, func() sink.Sink { return &Sink{} })
}
