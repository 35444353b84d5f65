package tracker

import "fmt"

// MissingChannelError reports a failed channel lookup by name during event
// dispatch. Expected shortly after connecting, when live channels pre-date
// the observer; the manager logs it and skips the event.
type MissingChannelError struct {
	Key   string // event field that held the name, e.g. "Channel1"
	Value string // the channel name that was not found
}

func (e *MissingChannelError) Error() string {
	return fmt.Sprintf("channel %s=%q not tracked", e.Key, e.Value)
}

// MissingUniqueidError reports a failed channel lookup by uniqueid.
type MissingUniqueidError struct {
	ID string
}

func (e *MissingUniqueidError) Error() string {
	return fmt.Sprintf("channel with uniqueid %q not tracked", e.ID)
}

// BridgedError reports a channel that was expected to have exactly one
// bridged peer but had zero or several.
type BridgedError struct {
	Channel string
	Count   int
}

func (e *BridgedError) Error() string {
	return fmt.Sprintf("expected one bridged channel on %s, found %d", e.Channel, e.Count)
}

// ProtocolError reports an event stream that violated documented Asterisk
// semantics (double local links, unknown bridge states, duplicate dial
// targets). Unlike the lookup errors above it is not recoverable: OnEvent
// returns it to the caller.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string {
	return "ami protocol violation: " + e.msg
}

func protocolf(format string, args ...any) error {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}
