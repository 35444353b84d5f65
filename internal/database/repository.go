package database

import (
	"context"

	"github.com/chantrace/chantrace/internal/database/models"
)

// CallEventListFilter specifies filtering and pagination for call event
// list queries.
type CallEventListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches any party name or number
	Kind      string // "b_dial", "transfer", or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CallEventRepository manages the journal of emitted call events.
type CallEventRepository interface {
	Create(ctx context.Context, ev *models.CallEvent) error
	GetByID(ctx context.Context, id int64) (*models.CallEvent, error)
	GetByEventID(ctx context.Context, eventID string) (*models.CallEvent, error)
	List(ctx context.Context, filter CallEventListFilter) ([]models.CallEvent, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallEvent, error)
	CountByKind(ctx context.Context, kind string) (int64, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}
