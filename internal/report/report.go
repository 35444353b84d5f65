// Package report contains Reporter implementations that turn the tracker's
// call events into log lines, journal rows and live feed frames.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chantrace/chantrace/internal/ami"
	"github.com/chantrace/chantrace/internal/callerid"
	"github.com/chantrace/chantrace/internal/database"
	"github.com/chantrace/chantrace/internal/database/models"
	"github.com/chantrace/chantrace/internal/feed"
	"github.com/chantrace/chantrace/internal/tracker"
)

// Party is the JSON shape of one call party in feed frames.
type Party struct {
	Code     int    `json:"code"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	IsPublic bool   `json:"is_public"`
}

func party(cid callerid.CallerID) Party {
	return Party{Code: cid.Code, Name: cid.Name, Number: cid.Number, IsPublic: cid.IsPublic}
}

// BDialPayload is the feed frame body for a B dial.
type BDialPayload struct {
	EventID string `json:"event_id"`
	Caller  Party  `json:"caller"`
	Callee  Party  `json:"callee"`
}

// TransferPayload is the feed frame body for a transfer.
type TransferPayload struct {
	EventID    string `json:"event_id"`
	Redirector Party  `json:"redirector"`
	Party1     Party  `json:"party1"`
	Party2     Party  `json:"party2"`
}

// SlogReporter writes call events to the structured log. AMI traces go out
// at debug level so production logs stay readable.
type SlogReporter struct {
	tracker.NopReporter
	log *slog.Logger
}

func NewSlogReporter(log *slog.Logger) *SlogReporter {
	return &SlogReporter{log: log}
}

func (r *SlogReporter) TraceAMI(e ami.Event) {
	r.log.Debug("ami event", "event", e.Name(), "channel", e.Get("Channel"))
}

func (r *SlogReporter) TraceMsg(msg string) {
	r.log.Debug(msg)
}

func (r *SlogReporter) OnBDial(caller, callee callerid.CallerID) {
	r.log.Info("b dial",
		"caller", caller.String(),
		"callee", callee.String(),
	)
}

func (r *SlogReporter) OnTransfer(redirector, party1, party2 callerid.CallerID) {
	r.log.Info("transfer",
		"redirector", redirector.String(),
		"party1", party1.String(),
		"party2", party2.String(),
	)
}

// JournalReporter persists call events to the database. Write failures are
// logged and swallowed: the journal must never stall event processing.
type JournalReporter struct {
	tracker.NopReporter
	log  *slog.Logger
	repo database.CallEventRepository
}

func NewJournalReporter(log *slog.Logger, repo database.CallEventRepository) *JournalReporter {
	return &JournalReporter{log: log, repo: repo}
}

func (r *JournalReporter) OnBDial(caller, callee callerid.CallerID) {
	r.persist(&models.CallEvent{
		EventID:      uuid.NewString(),
		Kind:         models.CallEventBDial,
		OccurredAt:   time.Now().UTC(),
		CallerCode:   caller.Code,
		CallerName:   caller.Name,
		CallerNumber: caller.Number,
		CalleeCode:   callee.Code,
		CalleeName:   callee.Name,
		CalleeNumber: callee.Number,
	})
}

func (r *JournalReporter) OnTransfer(redirector, party1, party2 callerid.CallerID) {
	r.persist(&models.CallEvent{
		EventID:          uuid.NewString(),
		Kind:             models.CallEventTransfer,
		OccurredAt:       time.Now().UTC(),
		RedirectorCode:   redirector.Code,
		RedirectorName:   redirector.Name,
		RedirectorNumber: redirector.Number,
		CallerCode:       party1.Code,
		CallerName:       party1.Name,
		CallerNumber:     party1.Number,
		CalleeCode:       party2.Code,
		CalleeName:       party2.Name,
		CalleeNumber:     party2.Number,
	})
}

func (r *JournalReporter) persist(ev *models.CallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.Create(ctx, ev); err != nil {
		r.log.Error("journaling call event", "kind", ev.Kind, "error", err)
	}
}

// FeedReporter pushes call events onto the WebSocket feed.
type FeedReporter struct {
	tracker.NopReporter
	hub *feed.Hub
}

func NewFeedReporter(hub *feed.Hub) *FeedReporter {
	return &FeedReporter{hub: hub}
}

func (r *FeedReporter) OnBDial(caller, callee callerid.CallerID) {
	r.hub.Broadcast(feed.KindBDial, BDialPayload{
		EventID: uuid.NewString(),
		Caller:  party(caller),
		Callee:  party(callee),
	})
}

func (r *FeedReporter) OnTransfer(redirector, party1, party2 callerid.CallerID) {
	r.hub.Broadcast(feed.KindTransfer, TransferPayload{
		EventID:    uuid.NewString(),
		Redirector: party(redirector),
		Party1:     party(party1),
		Party2:     party(party2),
	})
}

// Fanout forwards every callback to each reporter in order.
type Fanout []tracker.Reporter

func (f Fanout) TraceAMI(e ami.Event) {
	for _, r := range f {
		r.TraceAMI(e)
	}
}

func (f Fanout) TraceMsg(msg string) {
	for _, r := range f {
		r.TraceMsg(msg)
	}
}

func (f Fanout) OnEvent(e ami.Event) {
	for _, r := range f {
		r.OnEvent(e)
	}
}

func (f Fanout) OnBDial(caller, callee callerid.CallerID) {
	for _, r := range f {
		r.OnBDial(caller, callee)
	}
}

func (f Fanout) OnTransfer(redirector, party1, party2 callerid.CallerID) {
	for _, r := range f {
		r.OnTransfer(redirector, party1, party2)
	}
}
