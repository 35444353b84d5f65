package api

import (
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apimw "github.com/chantrace/chantrace/internal/api/middleware"
	"github.com/chantrace/chantrace/internal/database"
	"github.com/chantrace/chantrace/internal/database/models"
)

// callEventResponse is the JSON response for a single journaled call event.
type callEventResponse struct {
	ID               int64  `json:"id"`
	EventID          string `json:"event_id"`
	Kind             string `json:"kind"`
	OccurredAt       string `json:"occurred_at"`
	RedirectorCode   int    `json:"redirector_code,omitempty"`
	RedirectorName   string `json:"redirector_name,omitempty"`
	RedirectorNumber string `json:"redirector_number,omitempty"`
	CallerCode       int    `json:"caller_code"`
	CallerName       string `json:"caller_name"`
	CallerNumber     string `json:"caller_number"`
	CalleeCode       int    `json:"callee_code"`
	CalleeName       string `json:"callee_name"`
	CalleeNumber     string `json:"callee_number"`
}

// toCallEventResponse converts a models.CallEvent to the API response.
func toCallEventResponse(ev *models.CallEvent) callEventResponse {
	return callEventResponse{
		ID:               ev.ID,
		EventID:          ev.EventID,
		Kind:             ev.Kind,
		OccurredAt:       ev.OccurredAt.Format(time.RFC3339),
		RedirectorCode:   ev.RedirectorCode,
		RedirectorName:   ev.RedirectorName,
		RedirectorNumber: ev.RedirectorNumber,
		CallerCode:       ev.CallerCode,
		CallerName:       ev.CallerName,
		CallerNumber:     ev.CallerNumber,
		CalleeCode:       ev.CalleeCode,
		CalleeName:       ev.CalleeName,
		CalleeNumber:     ev.CalleeNumber,
	}
}

// parseCallEventFilter builds a journal filter from list query parameters.
// Query params: limit, offset, search, kind, start_date, end_date.
func parseCallEventFilter(r *http.Request, pg pagination) (database.CallEventListFilter, string) {
	q := r.URL.Query()
	kind := q.Get("kind")
	if kind != "" && kind != models.CallEventBDial && kind != models.CallEventTransfer {
		return database.CallEventListFilter{}, `kind must be "b_dial" or "transfer"`
	}

	return database.CallEventListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Search:    q.Get("search"),
		Kind:      kind,
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}, ""
}

// handleListCallEvents returns journaled call events with pagination and
// optional filters.
func (s *Server) handleListCallEvents(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	filter, errMsg := parseCallEventFilter(r, pg)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	events, total, err := s.events.List(r.Context(), filter)
	if err != nil {
		slog.Error("list call events: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callEventResponse, len(events))
	for i := range events {
		items[i] = toCallEventResponse(&events[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCallEvent returns a single journaled call event by row ID.
func (s *Server) handleGetCallEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call event id")
		return
	}

	ev, err := s.events.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get call event: failed to query", "error", err, "event_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "call event not found")
		return
	}

	writeJSON(w, http.StatusOK, toCallEventResponse(ev))
}

// purgeRequest is the body of POST /calls/purge.
type purgeRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// handlePurgeCallEvents deletes journal rows older than the requested age.
func (s *Server) handlePurgeCallEvents(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.OlderThanDays < 1 {
		writeError(w, http.StatusBadRequest, "older_than_days must be a positive integer")
		return
	}

	deleted, err := s.events.DeleteOlderThan(r.Context(), req.OlderThanDays)
	if err != nil {
		slog.Error("purge call events: failed to delete", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("purged call events",
		"older_than_days", req.OlderThanDays,
		"deleted", deleted,
		"client", apimw.ClientFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// handleExportCallEvents exports journaled call events as CSV with the same
// filters as list. The export is capped at 10000 rows.
func (s *Server) handleExportCallEvents(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := parseCallEventFilter(r, pagination{Limit: 10000})
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	events, _, err := s.events.List(r.Context(), filter)
	if err != nil {
		slog.Error("export call events: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=call_events.csv")

	cw := csv.NewWriter(w)
	// Write header row.
	cw.Write([]string{
		"ID", "Event ID", "Kind", "Occurred At",
		"Redirector Code", "Redirector Name", "Redirector Number",
		"Caller Code", "Caller Name", "Caller Number",
		"Callee Code", "Callee Name", "Callee Number",
	})

	for _, ev := range events {
		cw.Write([]string{
			strconv.FormatInt(ev.ID, 10),
			ev.EventID,
			ev.Kind,
			ev.OccurredAt.Format(time.RFC3339),
			strconv.Itoa(ev.RedirectorCode),
			ev.RedirectorName,
			ev.RedirectorNumber,
			strconv.Itoa(ev.CallerCode),
			ev.CallerName,
			ev.CallerNumber,
			strconv.Itoa(ev.CalleeCode),
			ev.CalleeName,
			ev.CalleeNumber,
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("export call events: csv write error", "error", err)
	}
}
