// Package clickhouse appends records to a ClickHouse changes table, one row
// per record with the field map stored as JSON.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/pgrelay/pgrelay/pkg/cdc"
	"github.com/pgrelay/pgrelay/pkg/sink"
)

type Sink struct {
	conn  driver.Conn
	table string
}

type Config struct {
	Addr     []string `json:"addr"`
	Database string   `json:"database"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	// Table receives one row per record; created if absent.
	Table string `json:"table"`
}

const createTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	topic String,
	key String,
	fields String,
	headers Map(String, String),
	received_at DateTime64(3)
) ENGINE = MergeTree() ORDER BY (topic, received_at)`

func (s *Sink) Connect(config json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("parse ClickHouse config: %w", err)
	}

	if len(cfg.Addr) == 0 {
		cfg.Addr = []string{"localhost:9000"}
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "changes"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return fmt.Errorf("connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, fmt.Sprintf(createTableDDL, cfg.Table)); err != nil {
		return fmt.Errorf("ensure changes table: %w", err)
	}

	s.conn = conn
	s.table = cfg.Table
	return nil
}

func (s *Sink) Publish(ctx context.Context, rec cdc.Record) error {
	if s.conn == nil {
		return sink.ErrNotConnected
	}

	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}

	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	err = s.conn.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (topic, key, fields, headers, received_at) VALUES (?, ?, ?, ?, ?)", s.table),
		rec.Topic, rec.Key, string(fields), headers, time.Now())
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func init() {
	sink.Register(sink.ConnectorClickHouse, func() sink.Sink { return &Sink{} })
}
