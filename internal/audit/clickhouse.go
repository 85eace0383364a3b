package audit

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseWriter flushes batches of Events into the usage_events
// MergeTree table: ParseDSN + Open at construction, PrepareBatch/Append/Send
// per flush.
//
// Expected schema:
//
//	CREATE TABLE usage_events (
//	    kind         LowCardinality(String),
//	    app_id       String,
//	    socket_id    String,
//	    channel_name String,
//	    user_id      String,
//	    count        UInt32,
//	    at           DateTime64(3)
//	) ENGINE = MergeTree ORDER BY (app_id, at)
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter opens and pings a ClickHouse connection pool from a
// clickhouse-go v2 DSN, e.g. "clickhouse://localhost:9000/revurb".
func NewClickHouseWriter(ctx context.Context, dsn string) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	return &ClickHouseWriter{conn: conn}, nil
}

// Close releases the underlying connection pool.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// WriteBatch inserts events as a single ClickHouse batch insert.
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO usage_events (
			kind, app_id, socket_id, channel_name, user_id, count, at
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}

	for i, e := range events {
		if err := batch.Append(
			string(e.Kind), e.AppID, e.SocketID, e.ChannelName, e.UserID, uint32(e.Count), e.At,
		); err != nil {
			return fmt.Errorf("audit: append row %d: %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: send batch: %w", err)
	}

	return nil
}
