package database

// Invoice queue queries. Ordering always follows rowid, which is the enqueue
// order.
const (
	InsertQueuedRequestQuery = `
		INSERT INTO invoice_queue (
			id, idempotency_key, payload, state, attempts, enqueued_at
		) VALUES (?, ?, ?, ?, 0, ?)
	`

	InsertQueuedRequestBoundedQuery = `
		INSERT INTO invoice_queue (
			id, idempotency_key, payload, state, attempts, enqueued_at
		)
		SELECT ?, ?, ?, ?, 0, ?
		WHERE (SELECT COUNT(*) FROM invoice_queue) < ?
	`

	SelectQueueSnapshotQuery = `
		SELECT id, idempotency_key, payload, state, attempts, last_error,
			   enqueued_at, updated_at
		FROM invoice_queue
		ORDER BY rowid
	`

	SelectPendingSnapshotQuery = `
		SELECT id, idempotency_key, payload, state, attempts, last_error,
			   enqueued_at, updated_at
		FROM invoice_queue
		WHERE state = 'pending'
		ORDER BY rowid
	`

	SelectQueuedRequestByIDQuery = `
		SELECT id, idempotency_key, payload, state, attempts, last_error,
			   enqueued_at, updated_at
		FROM invoice_queue
		WHERE id = ?
	`

	DeleteQueuedRequestQuery = `
		DELETE FROM invoice_queue
		WHERE id = ?
	`

	ClearQueueQuery = `
		DELETE FROM invoice_queue
	`

	ResetSubmittingQuery = `
		UPDATE invoice_queue
		SET state = 'pending'
		WHERE state = 'submitting'
	`

	MarkSubmittingQuery = `
		UPDATE invoice_queue
		SET state = 'submitting', attempts = attempts + 1
		WHERE id = ? AND state IN ('pending', 'failed')
	`

	MarkPendingQuery = `
		UPDATE invoice_queue
		SET state = 'pending', last_error = ?
		WHERE id = ?
	`

	MarkFailedQuery = `
		UPDATE invoice_queue
		SET state = 'failed', last_error = ?
		WHERE id = ?
	`

	CountByStateQuery = `
		SELECT state, COUNT(*) FROM invoice_queue GROUP BY state
	`
)
