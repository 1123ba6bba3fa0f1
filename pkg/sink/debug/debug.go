// Package debug provides a sink that logs each record instead of publishing
// it, for smoke runs and tests.
package debug

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/sink"
)

type Sink struct {
	logger *zap.Logger
}

func (s *Sink) Connect(_ json.RawMessage) error {
	s.logger = zap.L()
	return nil
}

func (s *Sink) Publish(_ context.Context, rec cdc.Record) error {
	s.logger.Info("publish",
		zap.String("topic", rec.Topic),
		zap.String("key", rec.Key),
		zap.Any("fields", rec.Fields),
		zap.Any("headers", rec.Headers))
	return nil
}

func (s *Sink) Close() error {
	return nil
}

func init() {
	sink.Register(sink.ConnectorDebug, func() sink.Sink { return &Sink{} })
}
