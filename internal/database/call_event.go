package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chantrace/chantrace/internal/database/models"
)

// callEventRepo implements CallEventRepository.
type callEventRepo struct {
	db *DB
}

// NewCallEventRepository creates a new CallEventRepository.
func NewCallEventRepository(db *DB) CallEventRepository {
	return &callEventRepo{db: db}
}

const callEventColumns = `id, event_id, kind, occurred_at,
	 redirector_code, redirector_name, redirector_number,
	 caller_code, caller_name, caller_number,
	 callee_code, callee_name, callee_number`

// Create inserts a new call event.
func (r *callEventRepo) Create(ctx context.Context, ev *models.CallEvent) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_events (event_id, kind, occurred_at,
		 redirector_code, redirector_name, redirector_number,
		 caller_code, caller_name, caller_number,
		 callee_code, callee_name, callee_number)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Kind, ev.OccurredAt,
		ev.RedirectorCode, ev.RedirectorName, ev.RedirectorNumber,
		ev.CallerCode, ev.CallerName, ev.CallerNumber,
		ev.CalleeCode, ev.CalleeName, ev.CalleeNumber,
	)
	if err != nil {
		return fmt.Errorf("inserting call event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// GetByID returns a call event by ID.
func (r *callEventRepo) GetByID(ctx context.Context, id int64) (*models.CallEvent, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callEventColumns+` FROM call_events WHERE id = ?`, id,
	))
}

// GetByEventID returns a call event by its emission UUID.
func (r *callEventRepo) GetByEventID(ctx context.Context, eventID string) (*models.CallEvent, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callEventColumns+` FROM call_events WHERE event_id = ?`, eventID,
	))
}

// List returns call events matching the filter, along with the total count.
func (r *callEventRepo) List(ctx context.Context, filter CallEventListFilter) ([]models.CallEvent, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Search != "" {
		where += ` AND (caller_name LIKE ? OR caller_number LIKE ?
			 OR callee_name LIKE ? OR callee_number LIKE ?
			 OR redirector_name LIKE ? OR redirector_number LIKE ?)`
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s, s, s, s)
	}
	if filter.StartDate != "" {
		where += " AND occurred_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND occurred_at <= ?"
		args = append(args, filter.EndDate)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM call_events WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call events: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT ` + callEventColumns + ` FROM call_events WHERE ` + where +
		` ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call events: %w", err)
	}
	defer rows.Close()

	events, err := scanCallEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// ListRecent returns the most recent call events up to the given limit.
func (r *callEventRepo) ListRecent(ctx context.Context, limit int) ([]models.CallEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callEventColumns+` FROM call_events
		 ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent call events: %w", err)
	}
	defer rows.Close()

	return scanCallEvents(rows)
}

// CountByKind returns the number of journaled events of the given kind,
// or of all kinds when kind is empty.
func (r *callEventRepo) CountByKind(ctx context.Context, kind string) (int64, error) {
	var count int64
	var err error
	if kind == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_events`).Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_events WHERE kind = ?`, kind).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting call events: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes journal entries older than the given number of
// days. Returns the number of rows removed.
func (r *callEventRepo) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM call_events
		 WHERE occurred_at < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %w", err)
	}
	return n, nil
}

func (r *callEventRepo) scanOne(row *sql.Row) (*models.CallEvent, error) {
	var ev models.CallEvent
	err := row.Scan(&ev.ID, &ev.EventID, &ev.Kind, &ev.OccurredAt,
		&ev.RedirectorCode, &ev.RedirectorName, &ev.RedirectorNumber,
		&ev.CallerCode, &ev.CallerName, &ev.CallerNumber,
		&ev.CalleeCode, &ev.CalleeName, &ev.CalleeNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call event: %w", err)
	}
	return &ev, nil
}

func scanCallEvents(rows *sql.Rows) ([]models.CallEvent, error) {
	var events []models.CallEvent
	for rows.Next() {
		var ev models.CallEvent
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Kind, &ev.OccurredAt,
			&ev.RedirectorCode, &ev.RedirectorName, &ev.RedirectorNumber,
			&ev.CallerCode, &ev.CallerName, &ev.CallerNumber,
			&ev.CalleeCode, &ev.CalleeName, &ev.CalleeNumber); err != nil {
			return nil, fmt.Errorf("scanning call event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call event rows: %w", err)
	}
	return events, nil
}
