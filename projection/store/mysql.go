package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLEventStore is a MySQL/MariaDB-backed EventStore.
//
// It targets multi-writer production deployments: the optimistic
// concurrency check in WriteEvents takes a row lock with
// SELECT ... FOR UPDATE inside the append transaction so two processes
// racing to append to the same stream at the same expected version
// serialize instead of both succeeding.
//
// SubscribeFrom is polling-based: MySQL has no native publish/subscribe
// primitive, so live delivery repeatedly queries for rows past the
// last delivered global position. This trades delivery latency for
// zero additional infrastructure.
type MySQLEventStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLEventStore opens a MySQL-backed store using dsn (see
// go-sql-driver/mysql for DSN format) and ensures its schema exists.
func NewMySQLEventStore(dsn string) (*MySQLEventStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLEventStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return s, nil
}

func (s *MySQLEventStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			global_position BIGINT AUTO_INCREMENT PRIMARY KEY,
			stream_id       VARCHAR(255) NOT NULL,
			event_number    BIGINT NOT NULL,
			event_type      VARCHAR(255) NOT NULL,
			data            LONGBLOB NOT NULL,
			metadata        LONGBLOB,
			created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY unique_stream_event (stream_id, event_number),
			INDEX idx_stream (stream_id, event_number)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ReadStreamEventsBackward implements EventStore.
func (s *MySQLEventStore) ReadStreamEventsBackward(ctx context.Context, stream string, fromEventNumber int64, maxCount int) (ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ReadResult{}, ErrStoreClosed
	}

	if fromEventNumber < 0 {
		var head sql.NullInt64
		if err := s.db.QueryRowContext(ctx, "SELECT MAX(event_number) FROM events WHERE stream_id = ?", stream).Scan(&head); err != nil {
			return ReadResult{}, fmt.Errorf("find stream head: %w", err)
		}
		if !head.Valid {
			return ReadResult{Status: ReadNoStream, NextEventNumber: -1, IsEndOfStream: true}, nil
		}
		fromEventNumber = head.Int64
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_number, event_type, data, metadata, global_position
		FROM events
		WHERE stream_id = ? AND event_number <= ?
		ORDER BY event_number DESC
		LIMIT ?
	`, stream, fromEventNumber, maxCount)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read stream backward: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []RecordedEvent
	for rows.Next() {
		var rec RecordedEvent
		var metadata []byte
		if err := rows.Scan(&rec.EventNumber, &rec.EventType, &rec.Data, &metadata, &rec.Position.Commit); err != nil {
			return ReadResult{}, fmt.Errorf("scan event row: %w", err)
		}
		rec.StreamID = stream
		rec.Metadata = metadata
		rec.Position.Prepare = rec.Position.Commit
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return ReadResult{}, fmt.Errorf("iterate event rows: %w", err)
	}

	if len(events) == 0 {
		return ReadResult{Status: ReadNoStream, NextEventNumber: -1, IsEndOfStream: true}, nil
	}

	next := events[len(events)-1].EventNumber - 1
	return ReadResult{
		Status:          ReadSuccess,
		Events:          events,
		NextEventNumber: next,
		IsEndOfStream:   next < 0,
	}, nil
}

// WriteEvents implements EventStore. The current head is read with
// SELECT ... FOR UPDATE so concurrent appenders to the same stream
// serialize on InnoDB's row lock rather than both reading a stale head
// and both succeeding.
func (s *MySQLEventStore) WriteEvents(ctx context.Context, stream string, expectedVersion int64, events []RawEvent) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return WriteResult{}, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT MAX(event_number) FROM events WHERE stream_id = ? FOR UPDATE", stream,
	).Scan(&head)
	if err != nil {
		return WriteResult{}, fmt.Errorf("lock stream head: %w", err)
	}
	currentVersion := int64(-1)
	if head.Valid {
		currentVersion = head.Int64
	}

	switch expectedVersion {
	case ExpectedVersionAny:
	case ExpectedVersionNoStream:
		if currentVersion != -1 {
			return WriteResult{Status: WriteWrongExpectedVersion}, nil
		}
	default:
		if expectedVersion != currentVersion {
			return WriteResult{Status: WriteWrongExpectedVersion}, nil
		}
	}

	firstEventNumber := currentVersion + 1
	var firstPos Position
	for i, raw := range events {
		eventNumber := firstEventNumber + int64(i)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (stream_id, event_number, event_type, data, metadata)
			VALUES (?, ?, ?, ?, ?)
		`, stream, eventNumber, raw.EventType, raw.Data, raw.Metadata)
		if err != nil {
			return WriteResult{}, fmt.Errorf("insert event: %w", err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return WriteResult{}, fmt.Errorf("read inserted position: %w", err)
		}
		if i == 0 {
			firstPos = Position{Commit: pos, Prepare: pos}
		}
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	return WriteResult{Status: WriteSuccess, FirstEventNumber: firstEventNumber, NextPosition: firstPos}, nil
}

// SubscribeFrom implements EventStore by polling for rows past the
// last delivered global position every pollInterval.
func (s *MySQLEventStore) SubscribeFrom(ctx context.Context, position Position, filter StreamFilter) (<-chan CommittedEvent, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	ch := make(chan CommittedEvent, 256)

	go func() {
		defer close(ch)

		const pollInterval = 200 * time.Millisecond
		last := position.Commit - 1
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			rows, err := s.db.QueryContext(ctx, `
				SELECT stream_id, event_number, event_type, data, metadata, global_position
				FROM events
				WHERE global_position > ?
				ORDER BY global_position ASC
				LIMIT 500
			`, last)
			if err != nil {
				return
			}

			for rows.Next() {
				var ev CommittedEvent
				var metadata []byte
				if err := rows.Scan(&ev.StreamID, &ev.EventNumber, &ev.EventType, &ev.Data, &metadata, &ev.Position.Commit); err != nil {
					_ = rows.Close()
					return
				}
				ev.Metadata = metadata
				ev.Position.Prepare = ev.Position.Commit
				last = ev.Position.Commit

				if !filter.Matches(ev.StreamID) {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					_ = rows.Close()
					return
				}
			}
			_ = rows.Close()
		}
	}()

	return ch, nil
}

// Close closes the underlying connection pool.
func (s *MySQLEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLEventStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}
