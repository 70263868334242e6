package recording

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const createTrafficClickHouseSQL = `CREATE TABLE IF NOT EXISTS traffic (
	Time Int64,
	Run String,
	Domain String,
	Event String,
	MsgID UInt64,
	Kind String,
	Action String,
	Src Int32,
	Dst Int32,
	Service UInt16,
	Code String,
	Length Int64,
	Detail String
) ENGINE = MergeTree()
ORDER BY (Run, Time)`

// ClickHouseOptions locates a ClickHouse server.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// ClickHouseWriter writes records into a ClickHouse table with bulk
// inserts.
type ClickHouseWriter struct {
	conn    clickhouse.Conn
	timeout time.Duration
}

// NewClickHouseWriter connects and makes sure the traffic table exists.
func NewClickHouseWriter(opts ClickHouseOptions) (*ClickHouseWriter, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout:      opts.Timeout,
		MaxOpenConns:     2,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("recording: connecting to clickhouse: %w", err)
	}

	w := &ClickHouseWriter{conn: conn, timeout: opts.Timeout}

	ctx, cancel := w.context()
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("recording: pinging clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, createTrafficClickHouseSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("recording: creating table: %w", err)
	}

	return w, nil
}

// Write sends rows as one batch.
func (w *ClickHouseWriter) Write(rows []Record) error {
	ctx, cancel := w.context()
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO traffic")
	if err != nil {
		return fmt.Errorf("recording: preparing batch: %w", err)
	}

	for _, r := range rows {
		err := batch.Append(
			r.Time, r.Run, r.Domain, r.Event, r.MsgID, r.Kind, r.Action,
			r.Src, r.Dst, r.Service, r.Code, r.Length, r.Detail,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("recording: appending to batch: %w", err)
		}
	}

	return batch.Send()
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

func (w *ClickHouseWriter) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.timeout)
}
