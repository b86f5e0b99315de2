package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/formlab/collab/internal/slogging"
)

// ErrFormNotFound means the form id has no persisted row.
var ErrFormNotFound = errors.New("form not found")

// SnapshotLoader supplies the initial room state from durable storage.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, formID string) (*Snapshot, error)
}

// OperationSink receives accepted operations for asynchronous durable
// storage. Append must never block the room worker; delivery is
// at-least-once with the in-memory room as the immediate source of truth.
// state is the field's post-apply state, nil when the field was deleted.
type OperationSink interface {
	Append(formID string, op AcceptedOperation, state *FieldState)
	RoomClosed(formID string)
	Close() error
}

// PostgresSnapshotLoader reads form schemas from Postgres.
type PostgresSnapshotLoader struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshotLoader creates a loader backed by the given pool.
func NewPostgresSnapshotLoader(pool *pgxpool.Pool) *PostgresSnapshotLoader {
	return &PostgresSnapshotLoader{pool: pool}
}

// LoadSnapshot fetches the form's schema version and fields in display order.
func (l *PostgresSnapshotLoader) LoadSnapshot(ctx context.Context, formID string) (*Snapshot, error) {
	snap := &Snapshot{FormID: formID}

	err := l.pool.QueryRow(ctx,
		`SELECT schema_version FROM forms WHERE id = $1`,
		formID,
	).Scan(&snap.SchemaVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("form %s: %w", formID, ErrFormNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load form %s: %w", formID, err)
	}

	rows, err := l.pool.Query(ctx,
		`SELECT field_id, version, content, last_modified_by, last_modified_at
		 FROM form_fields
		 WHERE form_id = $1
		 ORDER BY position`,
		formID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load fields for form %s: %w", formID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var f FieldState
		if err := rows.Scan(&f.FieldID, &f.Version, &f.Content, &f.LastModifiedBy, &f.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan field for form %s: %w", formID, err)
		}
		snap.Fields = append(snap.Fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fields for form %s: %w", formID, err)
	}

	return snap, nil
}

// Oplog stream entry kinds.
const (
	oplogKindOperation  = "operation"
	oplogKindRoomClosed = "room_closed"
)

// DefaultOplogStream is the Redis Stream accepted operations are appended to.
const DefaultOplogStream = "collab:oplog"

// DefaultOplogGroup is the consumer group draining the oplog into Postgres.
const DefaultOplogGroup = "collab-writers"

// RedisStreamSink appends accepted operations to a Redis Stream from a
// background writer, so the room worker never waits on Redis. A consumer
// group (OplogConsumer) drains the stream into Postgres.
type RedisStreamSink struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64

	buf      chan oplogEntry
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type oplogEntry struct {
	formID  string
	kind    string
	payload []byte
}

// NewRedisStreamSink creates the sink and starts its writer goroutine.
func NewRedisStreamSink(rdb redis.UniversalClient, stream string) *RedisStreamSink {
	if stream == "" {
		stream = DefaultOplogStream
	}
	s := &RedisStreamSink{
		rdb:    rdb,
		stream: stream,
		maxLen: 100000,
		buf:    make(chan oplogEntry, 1024),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// oplogRecord is the JSON body of an operation stream entry.
type oplogRecord struct {
	Accepted AcceptedOperation `json:"accepted"`
	State    *FieldState       `json:"state,omitempty"`
}

// Append queues an accepted operation for the durable write stream.
// Fire-and-forget: on buffer overflow the entry is dropped and logged
// rather than stalling the room worker.
func (s *RedisStreamSink) Append(formID string, op AcceptedOperation, state *FieldState) {
	payload, err := json.Marshal(oplogRecord{Accepted: op, State: state})
	if err != nil {
		slogging.Get().Error("Failed to marshal operation %s for oplog: %v", op.Operation.ID, err)
		return
	}
	select {
	case s.buf <- oplogEntry{formID: formID, kind: oplogKindOperation, payload: payload}:
	default:
		slogging.Get().Error("Oplog buffer full, dropping operation %s for form %s (seq %d)",
			op.Operation.ID, formID, op.Seq)
	}
}

// RoomClosed records a closure marker so the durable log reflects the
// room's final flush.
func (s *RedisStreamSink) RoomClosed(formID string) {
	select {
	case s.buf <- oplogEntry{formID: formID, kind: oplogKindRoomClosed}:
	case <-s.stop:
	}
}

// Close drains buffered entries and stops the writer.
func (s *RedisStreamSink) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *RedisStreamSink) writeLoop() {
	defer close(s.done)
	for {
		select {
		case entry := <-s.buf:
			s.write(entry)
		case <-s.stop:
			// Drain what is already buffered before exiting.
			for {
				select {
				case entry := <-s.buf:
					s.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *RedisStreamSink) write(entry oplogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values := map[string]interface{}{
		"form_id": entry.formID,
		"kind":    entry.kind,
	}
	if entry.payload != nil {
		values["payload"] = string(entry.payload)
	}

	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		slogging.Get().Error("Failed to append to oplog stream %s: %v", s.stream, err)
	}
}

// NoopOperationSink discards operations. Used when the engine runs without
// a durable backend, e.g. in tests.
type NoopOperationSink struct{}

func (NoopOperationSink) Append(string, AcceptedOperation, *FieldState) {}
func (NoopOperationSink) RoomClosed(string)                             {}
func (NoopOperationSink) Close() error                                  { return nil }
