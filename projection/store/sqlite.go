package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteEventStore is a SQLite-backed EventStore.
//
// It stores every stream's events in a single `events` table keyed by
// (stream_id, event_number), with a monotonic `global_position` column
// used to satisfy SubscribeFrom. Designed for local development, single
// process deployments, and tests: zero external dependencies, WAL mode
// for concurrent readers.
//
// SQLiteEventStore is safe for concurrent use; writes serialize on the
// single connection SQLite allows.
type SQLiteEventStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string

	subMu   sync.Mutex
	subs    map[int]chan CommittedEvent
	subFilt map[int]StreamFilter
	nextSub int
}

// NewSQLiteEventStore opens (creating if necessary) a SQLite database at
// path and ensures its schema exists. Pass ":memory:" for an ephemeral
// store scoped to the process.
func NewSQLiteEventStore(path string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteEventStore{
		db:      db,
		path:    path,
		subs:    make(map[int]chan CommittedEvent),
		subFilt: make(map[int]StreamFilter),
	}

	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteEventStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			global_position INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id       TEXT NOT NULL,
			event_number    INTEGER NOT NULL,
			event_type      TEXT NOT NULL,
			data            BLOB NOT NULL,
			metadata        BLOB,
			created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(stream_id, event_number)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id, event_number)"); err != nil {
		return err
	}
	return nil
}

// ReadStreamEventsBackward implements EventStore.
func (s *SQLiteEventStore) ReadStreamEventsBackward(ctx context.Context, stream string, fromEventNumber int64, maxCount int) (ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ReadResult{}, ErrStoreClosed
	}

	if fromEventNumber < 0 {
		var head sql.NullInt64
		err := s.db.QueryRowContext(ctx, "SELECT MAX(event_number) FROM events WHERE stream_id = ?", stream).Scan(&head)
		if err != nil {
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

// WriteEvents implements EventStore.
func (s *SQLiteEventStore) WriteEvents(ctx context.Context, stream string, expectedVersion int64, events []RawEvent) (WriteResult, error) {
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
	if err := tx.QueryRowContext(ctx, "SELECT MAX(event_number) FROM events WHERE stream_id = ?", stream).Scan(&head); err != nil {
		return WriteResult{}, fmt.Errorf("find stream head: %w", err)
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
	var committed []RecordedEvent
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
		committed = append(committed, RecordedEvent{
			StreamID:    stream,
			EventNumber: eventNumber,
			EventType:   raw.EventType,
			Data:        raw.Data,
			Metadata:    raw.Metadata,
			Position:    Position{Commit: pos, Prepare: pos},
		})
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	for _, rec := range committed {
		s.publish(rec)
	}

	return WriteResult{Status: WriteSuccess, FirstEventNumber: firstEventNumber, NextPosition: firstPos}, nil
}

func (s *SQLiteEventStore) publish(rec RecordedEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	committed := CommittedEvent{
		StreamID:    rec.StreamID,
		EventNumber: rec.EventNumber,
		EventType:   rec.EventType,
		Data:        rec.Data,
		Metadata:    rec.Metadata,
		Position:    rec.Position,
	}
	for id, ch := range s.subs {
		if !s.subFilt[id].Matches(rec.StreamID) {
			continue
		}
		select {
		case ch <- committed:
		default:
		}
	}
}

// SubscribeFrom implements EventStore. It replays persisted events at or
// after position from disk, then switches to live delivery of newly
// written events.
func (s *SQLiteEventStore) SubscribeFrom(ctx context.Context, position Position, filter StreamFilter) (<-chan CommittedEvent, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, event_number, event_type, data, metadata, global_position
		FROM events
		WHERE global_position >= ?
		ORDER BY global_position ASC
	`, position.Commit)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}

	var backlog []CommittedEvent
	for rows.Next() {
		var ev CommittedEvent
		var metadata []byte
		if err := rows.Scan(&ev.StreamID, &ev.EventNumber, &ev.EventType, &ev.Data, &metadata, &ev.Position.Commit); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		ev.Metadata = metadata
		ev.Position.Prepare = ev.Position.Commit
		if filter.Matches(ev.StreamID) {
			backlog = append(backlog, ev)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog rows: %w", err)
	}

	ch := make(chan CommittedEvent, 256)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subFilt[id] = filter
	s.subMu.Unlock()

	go func() {
		defer func() {
			s.subMu.Lock()
			delete(s.subs, id)
			delete(s.subFilt, id)
			close(ch)
			s.subMu.Unlock()
		}()

		for _, ev := range backlog {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()

	return ch, nil
}

// Close closes the underlying database connection.
func (s *SQLiteEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteEventStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}
