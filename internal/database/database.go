package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"invoiceq/internal/errors"
	"invoiceq/internal/migrations"
	"invoiceq/internal/models"
	"invoiceq/internal/security"
	"invoiceq/pkg/invoiceapi/types"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable offline queue store. It is the sole owner of queue
// entries: producers call EnqueueInvoice, the drain process moves entries
// through their state transitions, everything else reads.
type Database struct {
	db         *sql.DB
	encryptor  *encryptor
	maxPending int
}

func New(dbPath string, queueCfg models.QueueConfig) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Entries claimed by a previous run that died mid-drain would otherwise
	// stay in 'submitting' forever and never be picked up again. Their
	// submission was never acknowledged, so they go back to pending.
	if _, err := db.Exec(ResetSubmittingQuery); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to recover in-flight entries: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to recover in-flight entries: %w", err)
	}

	enc, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: enc, maxPending: queueCfg.MaxPending}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// EnqueueInvoice appends a new request to the queue. The request keeps its
// enqueue order via the sqlite rowid; a full queue is a terminal error the
// caller surfaces to the user.
func (d *Database) EnqueueInvoice(ctx context.Context, req *models.QueuedInvoiceRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal invoice payload: %w", err)
	}

	encryptedPayload, err := d.encryptor.EncryptIfEnabled(string(payload))
	if err != nil {
		return fmt.Errorf("failed to encrypt invoice payload: %w", err)
	}

	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	if req.State == "" {
		req.State = models.RequestStatePending
	}

	// The capacity check rides inside the insert itself so concurrent
	// producers cannot race past the bound between a count and an insert.
	query := InsertQueuedRequestQuery
	args := []interface{}{req.ID, req.IdempotencyKey, encryptedPayload, string(req.State), req.EnqueuedAt}
	if d.maxPending > 0 {
		query = InsertQueuedRequestBoundedQuery
		args = append(args, d.maxPending)
	}

	return retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to enqueue invoice request: %w", err)
		}
		if d.maxPending > 0 {
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			if affected == 0 {
				return errors.NewQueueFullError(d.maxPending)
			}
		}
		return nil
	}, "enqueue invoice")
}

// SnapshotQueue returns every queued request in enqueue order without
// mutating anything.
func (d *Database) SnapshotQueue(ctx context.Context) ([]models.QueuedInvoiceRequest, error) {
	return d.snapshot(ctx, SelectQueueSnapshotQuery)
}

// PendingSnapshot returns only the entries eligible for the next drain cycle,
// oldest first.
func (d *Database) PendingSnapshot(ctx context.Context) ([]models.QueuedInvoiceRequest, error) {
	return d.snapshot(ctx, SelectPendingSnapshotQuery)
}

func (d *Database) snapshot(ctx context.Context, query string) ([]models.QueuedInvoiceRequest, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue snapshot: %w", err)
	}
	defer rows.Close()

	var entries []models.QueuedInvoiceRequest
	for rows.Next() {
		entry, err := d.scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue snapshot: %w", err)
	}

	return entries, nil
}

// GetRequest returns the entry with the given id, or nil if absent.
func (d *Database) GetRequest(ctx context.Context, id string) (*models.QueuedInvoiceRequest, error) {
	row := d.db.QueryRowContext(ctx, SelectQueuedRequestByIDQuery, id)
	entry, err := d.scanRequest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type scanFunc func(dest ...interface{}) error

func (d *Database) scanRequest(scan scanFunc) (*models.QueuedInvoiceRequest, error) {
	var entry models.QueuedInvoiceRequest
	var encryptedPayload, state string

	err := scan(
		&entry.ID,
		&entry.IdempotencyKey,
		&encryptedPayload,
		&state,
		&entry.Attempts,
		&entry.LastError,
		&entry.EnqueuedAt,
		&entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queued request: %w", err)
	}

	payload, err := d.encryptor.DecryptIfEnabled(encryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt invoice payload: %w", err)
	}

	var invoice types.InvoiceRequest
	if err := json.Unmarshal([]byte(payload), &invoice); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice payload: %w", err)
	}

	entry.Payload = invoice
	entry.State = models.RequestState(state)
	return &entry, nil
}

// RemoveRequest deletes the entry with the given id. Removing an id that is
// no longer present is a no-op.
func (d *Database) RemoveRequest(ctx context.Context, id string) error {
	return retryableDBOperation(ctx, func() error {
		if _, err := d.db.ExecContext(ctx, DeleteQueuedRequestQuery, id); err != nil {
			return fmt.Errorf("failed to remove queued request: %w", err)
		}
		return nil
	}, "remove request")
}

// ClearQueue empties the queue unconditionally.
func (d *Database) ClearQueue(ctx context.Context) error {
	return retryableDBOperation(ctx, func() error {
		if _, err := d.db.ExecContext(ctx, ClearQueueQuery); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		return nil
	}, "clear queue")
}

// MarkSubmitting moves an entry into the submitting state and counts the
// attempt. Only pending (or previously failed, for manual re-drains) entries
// are eligible; returns false when the entry was not in an eligible state.
func (d *Database) MarkSubmitting(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, MarkSubmittingQuery, id)
		if err != nil {
			return fmt.Errorf("failed to mark request submitting: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		return nil
	}, "mark submitting")
	return affected > 0, err
}

// MarkPending returns an entry to the pending state after a retryable
// failure so the next drain picks it up again.
func (d *Database) MarkPending(ctx context.Context, id, lastError string) error {
	return d.markState(ctx, MarkPendingQuery, id, lastError, "mark pending")
}

// MarkFailed parks an entry as terminally failed. It stays visible for the
// user to correct but is skipped by subsequent drains.
func (d *Database) MarkFailed(ctx context.Context, id, lastError string) error {
	return d.markState(ctx, MarkFailedQuery, id, lastError, "mark failed")
}

func (d *Database) markState(ctx context.Context, query, id, lastError, opName string) error {
	return retryableDBOperation(ctx, func() error {
		if _, err := d.db.ExecContext(ctx, query, lastError, id); err != nil {
			return fmt.Errorf("failed to %s: %w", opName, err)
		}
		return nil
	}, opName)
}

// Stats counts entries per state for the status surface.
func (d *Database) Stats(ctx context.Context) (models.QueueStats, error) {
	stats := models.QueueStats{UpdatedAt: time.Now().UTC()}

	rows, err := d.db.QueryContext(ctx, CountByStateQuery)
	if err != nil {
		return stats, fmt.Errorf("failed to count queue states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		switch models.RequestState(state) {
		case models.RequestStatePending:
			stats.Pending = count
		case models.RequestStateSubmitting:
			stats.Submitting = count
		case models.RequestStateFailed:
			stats.Failed = count
		}
	}

	return stats, rows.Err()
}
