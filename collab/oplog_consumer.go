package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/formlab/collab/internal/slogging"
)

// OplogConsumer drains the oplog stream through a Redis consumer group and
// writes accepted operations through to Postgres. Running it on every
// process is safe; the group hands each entry to exactly one consumer.
type OplogConsumer struct {
	rdb        redis.UniversalClient
	pool       *pgxpool.Pool
	stream     string
	groupName  string
	consumerID string
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewOplogConsumer creates a consumer for the given stream and group.
func NewOplogConsumer(rdb redis.UniversalClient, pool *pgxpool.Pool, stream, groupName, consumerID string) *OplogConsumer {
	if stream == "" {
		stream = DefaultOplogStream
	}
	return &OplogConsumer{
		rdb:        rdb,
		pool:       pool,
		stream:     stream,
		groupName:  groupName,
		consumerID: consumerID,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start creates the consumer group if needed and begins consuming.
func (c *OplogConsumer) Start(ctx context.Context) error {
	logger := slogging.Get()

	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.groupName, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		logger.Error("failed to create oplog consumer group: %v", err)
		return fmt.Errorf("failed to create oplog consumer group: %w", err)
	}

	logger.Info("oplog consumer started (stream: %s, group: %s, consumer: %s)",
		c.stream, c.groupName, c.consumerID)

	go c.consumeLoop(ctx)
	return nil
}

// Stop gracefully stops the consumer.
func (c *OplogConsumer) Stop() {
	close(c.stopChan)
	<-c.doneChan
}

func (c *OplogConsumer) consumeLoop(ctx context.Context) {
	logger := slogging.Get()
	defer close(c.doneChan)

	for {
		select {
		case <-c.stopChan:
			logger.Info("oplog consumer stopping")
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.groupName,
			Consumer: c.consumerID,
			Streams:  []string{c.stream, ">"},
			Count:    32,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.Error("oplog consumer read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				if err := c.processEntry(ctx, message); err != nil {
					logger.Error("oplog entry %s failed, leaving pending for retry: %v", message.ID, err)
					continue
				}
				if err := c.rdb.XAck(ctx, c.stream, c.groupName, message.ID).Err(); err != nil {
					logger.Error("failed to ack oplog entry %s: %v", message.ID, err)
				}
			}
		}
	}
}

func (c *OplogConsumer) processEntry(ctx context.Context, message redis.XMessage) error {
	formID, _ := message.Values["form_id"].(string)
	kind, _ := message.Values["kind"].(string)

	switch kind {
	case oplogKindRoomClosed:
		slogging.Get().Debug("Oplog recorded room closure for form %s", formID)
		return nil
	case oplogKindOperation:
		payload, _ := message.Values["payload"].(string)
		var record oplogRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			// Malformed entries are logged and acked; retrying cannot fix them.
			slogging.Get().Error("Discarding malformed oplog entry %s: %v", message.ID, err)
			return nil
		}
		return c.writeOperation(ctx, formID, record)
	default:
		slogging.Get().Warn("Unknown oplog entry kind %q in entry %s", kind, message.ID)
		return nil
	}
}

// writeOperation applies one accepted operation to the durable schema in a
// single transaction. Version guards make replays idempotent.
func (c *OplogConsumer) writeOperation(ctx context.Context, formID string, record oplogRecord) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acc := record.Accepted
	op := acc.Operation
	switch op.Type {
	case OperationDelete:
		_, err = tx.Exec(ctx,
			`DELETE FROM form_fields WHERE form_id = $1 AND field_id = $2 AND version < $3`,
			formID, op.FieldID, acc.Version)
	default:
		if record.State == nil {
			slogging.Get().Warn("Oplog entry for %s op %s carries no field state; skipping field write", formID, op.ID)
			break
		}
		// Position is recomputed by the next snapshot write; the ordered
		// oplog itself preserves structural intent.
		_, err = tx.Exec(ctx,
			`INSERT INTO form_fields (form_id, field_id, version, content, position, last_modified_by, last_modified_at)
			 SELECT $1, $2, $3, $4, COALESCE(MAX(position) + 1, 0), $5, $6 FROM form_fields WHERE form_id = $1
			 ON CONFLICT (form_id, field_id) DO UPDATE
			 SET version = EXCLUDED.version,
			     content = EXCLUDED.content,
			     last_modified_by = EXCLUDED.last_modified_by,
			     last_modified_at = EXCLUDED.last_modified_at
			 WHERE form_fields.version < EXCLUDED.version`,
			formID, op.FieldID, acc.Version, record.State.Content, op.SessionID, acc.AppliedAt)
	}
	if err != nil {
		return fmt.Errorf("apply field write: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`UPDATE forms SET schema_version = GREATEST(schema_version, $2) WHERE id = $1`,
		formID, acc.SchemaVersion); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO form_operations (operation_id, form_id, field_id, type, payload, version, seq, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (operation_id) DO NOTHING`,
		op.ID, formID, op.FieldID, string(op.Type), op.Payload, acc.Version, acc.Seq, acc.AppliedAt); err != nil {
		return fmt.Errorf("record operation: %w", err)
	}

	return tx.Commit(ctx)
}
