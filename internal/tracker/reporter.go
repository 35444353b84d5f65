package tracker

import (
	"github.com/chantrace/chantrace/internal/ami"
	"github.com/chantrace/chantrace/internal/callerid"
)

// Reporter receives trace output and the high-level call events the manager
// produces. Implementations are invoked synchronously from the manager's
// event goroutine and must not block for long.
//
// OnBDial fires when the B side of a call starts ringing or answers.
// OnTransfer fires when a call is handed over: the redirector connected
// party1 and party2. Within one AMI event, emissions keep triggering order;
// a blind transfer emits OnBDial strictly before its paired OnTransfer.
type Reporter interface {
	// TraceAMI is called for every event handed to the manager.
	TraceAMI(e ami.Event)
	// TraceMsg carries diagnostic text (skipped events, lookups that failed).
	TraceMsg(msg string)
	// OnEvent echoes the event after dispatch, whether or not dispatch failed.
	OnEvent(e ami.Event)

	OnBDial(caller, callee callerid.CallerID)
	OnTransfer(redirector, party1, party2 callerid.CallerID)
}

// NopReporter discards everything. Useful as a base for partial reporters.
type NopReporter struct{}

func (NopReporter) TraceAMI(ami.Event)                   {}
func (NopReporter) TraceMsg(string)                      {}
func (NopReporter) OnEvent(ami.Event)                    {}
func (NopReporter) OnBDial(_, _ callerid.CallerID)       {}
func (NopReporter) OnTransfer(_, _, _ callerid.CallerID) {}
