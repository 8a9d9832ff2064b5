package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Enqueue when the configured item cap would be exceeded.
var ErrQueueFull = errors.New("queue is full")

const itemColumns = "id, job_id, source_path, staged_source, target_formats_json, constraints_json, status, results_json, error_message, error_kind, source_format, source_width, source_height, created_at, updated_at, started_at, completed_at, progress_stage, progress_percent, progress_message"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id              int64
		jobID           string
		sourcePath      sql.NullString
		stagedSource    sql.NullString
		formatsRaw      sql.NullString
		constraintsRaw  sql.NullString
		statusStr       string
		resultsRaw      sql.NullString
		errorMessage    sql.NullString
		errorKind       sql.NullString
		sourceFormat    sql.NullString
		sourceWidth     sql.NullInt64
		sourceHeight    sql.NullInt64
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		startedRaw      sql.NullString
		completedRaw    sql.NullString
		progressStage   sql.NullString
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&jobID,
		&sourcePath,
		&stagedSource,
		&formatsRaw,
		&constraintsRaw,
		&statusStr,
		&resultsRaw,
		&errorMessage,
		&errorKind,
		&sourceFormat,
		&sourceWidth,
		&sourceHeight,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
		&progressStage,
		&progressPercent,
		&progressMessage,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:              id,
		JobID:           jobID,
		SourcePath:      sourcePath.String,
		StagedSource:    stagedSource.String,
		TargetFormats:   decodeFormats(formatsRaw.String),
		Constraints:     decodeConstraints(constraintsRaw.String),
		Status:          Status(statusStr),
		Results:         decodeResults(resultsRaw.String),
		ErrorMessage:    errorMessage.String,
		ErrorKind:       errorKind.String,
		SourceFormat:    sourceFormat.String,
		SourceWidth:     int(sourceWidth.Int64),
		SourceHeight:    int(sourceHeight.Int64),
		ProgressStage:   progressStage.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			item.StartedAt = &started
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			item.CompletedAt = &completed
		}
	}
	return item, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

// Enqueue inserts one job as a pending item. Inline source bytes are staged
// to a file so the queue survives a restart; a job referencing a path is
// recorded as-is. Fails with ErrQueueFull when the configured cap would be
// exceeded.
func (s *Store) Enqueue(ctx context.Context, job Job) (*Item, error) {
	if len(job.TargetFormats) == 0 {
		return nil, errors.New("job has no target formats")
	}
	if job.SourcePath == "" && len(job.SourceData) == 0 {
		return nil, errors.New("job has no source")
	}

	if s.maxItems > 0 {
		var count int
		row := s.db.QueryRowContext(ensureContext(ctx),
			`SELECT COUNT(1) FROM queue_items WHERE status NOT IN (?, ?, ?)`,
			StatusCompleted, StatusFailed, StatusCancelled,
		)
		if err := row.Scan(&count); err != nil {
			return nil, fmt.Errorf("count active items: %w", err)
		}
		if count >= s.maxItems {
			return nil, fmt.Errorf("%w: %d active items at cap %d", ErrQueueFull, count, s.maxItems)
		}
	}

	jobID := uuid.NewString()
	stagedSource := job.SourcePath
	if len(job.SourceData) > 0 {
		staged, err := s.stageSource(jobID, job.SourceData)
		if err != nil {
			return nil, err
		}
		stagedSource = staged
	}

	formatsJSON, err := encodeFormats(job.TargetFormats)
	if err != nil {
		return nil, fmt.Errorf("encode target formats: %w", err)
	}
	constraintsJSON, err := encodeConstraints(job.Constraints)
	if err != nil {
		return nil, fmt.Errorf("encode constraints: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO queue_items (
            job_id, source_path, staged_source, target_formats_json,
            constraints_json, status, created_at, updated_at,
            progress_stage, progress_percent, progress_message
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID,
		nullableString(job.SourcePath),
		nullableString(stagedSource),
		formatsJSON,
		constraintsJSON,
		StatusPending,
		timestamp,
		timestamp,
		nil,
		0.0,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *Store) stageSource(jobID string, data []byte) (string, error) {
	if s.stagingDir == "" {
		return "", errors.New("staging directory not configured")
	}
	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(s.stagingDir, "source-"+jobID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("stage source: %w", err)
	}
	return path, nil
}

// GetByID fetches a queue item by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// GetByJobID fetches a queue item by its job identifier.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*Item, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+itemColumns+` FROM queue_items WHERE job_id = ?`, jobID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item by job id: %w", err)
	}
	return item, nil
}

// Update persists changes to an existing queue item.
func (s *Store) Update(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	item.UpdatedAt = time.Now().UTC()
	resultsJSON, err := encodeResults(item.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE queue_items
         SET source_path = ?, staged_source = ?, status = ?, results_json = ?,
             error_message = ?, error_kind = ?, source_format = ?,
             source_width = ?, source_height = ?, updated_at = ?,
             started_at = ?, completed_at = ?,
             progress_stage = ?, progress_percent = ?, progress_message = ?
         WHERE id = ?`,
		nullableString(item.SourcePath),
		nullableString(item.StagedSource),
		item.Status,
		nullableString(resultsJSON),
		nullableString(item.ErrorMessage),
		nullableString(item.ErrorKind),
		nullableString(item.SourceFormat),
		item.SourceWidth,
		item.SourceHeight,
		item.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(item.StartedAt),
		nullableTime(item.CompletedAt),
		nullableString(item.ProgressStage),
		item.ProgressPercent,
		nullableString(item.ProgressMessage),
		item.ID,
	); err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// UpdateProgress persists only the progress columns for an in-flight item.
func (s *Store) UpdateProgress(ctx context.Context, id int64, stage, message string, percent float64) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE queue_items
         SET progress_stage = ?, progress_percent = ?, progress_message = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(stage),
		percent,
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// NextPending returns the oldest pending item, or nil when the queue is drained.
func (s *Store) NextPending(ctx context.Context) (*Item, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+itemColumns+` FROM queue_items WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		StatusPending,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return item, nil
}

// ItemsByStatus returns items matching a status ordered by creation time.
func (s *Store) ItemsByStatus(ctx context.Context, status Status) ([]*Item, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+itemColumns+` FROM queue_items WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// List returns queue items filtered by status set (or all items when no status is provided).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + itemColumns + ` FROM queue_items`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ensureContext(ctx), baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ensureContext(ctx), query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Remove deletes an item by identifier. Only settled-at-rest items may be
// removed: pending and failed. In-flight and terminal-success items are
// left untouched.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM queue_items WHERE id = ? AND status IN (?, ?)`,
		id, StatusPending, StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearCompleted removes only completed items from the queue.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM queue_items WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes all items from the queue.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM queue_items`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}
