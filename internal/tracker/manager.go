package tracker

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/chantrace/chantrace/internal/ami"
	"github.com/chantrace/chantrace/internal/callerid"
)

// defaultInterestingEvents is the set of AMI events the manager needs to
// track channel state. Everything else can be filtered out upstream.
var defaultInterestingEvents = map[string]struct{}{
	// Connection marker. Channels known before this point are stale.
	"FullyBooted": {},
	// Low level channel setup and maintenance.
	"Newchannel":     {},
	"Newstate":       {},
	"NewCallerid":    {},
	"NewAccountCode": {},
	"LocalBridge":    {},
	"Rename":         {},
	"Bridge":         {},
	"Masquerade":     {},
	// Higher level call info.
	"Dial":     {},
	"Hangup":   {},
	"Transfer": {},
	// User events pass the filter so downstream reporters see them.
	"UserEvent": {},
}

// Options tune the manager.
type Options struct {
	// AccountCodeLength is the digit count of trunk account codes embedded
	// in channel names (SIP/<accountcode>-...). Defaults to 9, which is the
	// fixed syntactic contract with the upstream PBX configuration.
	AccountCodeLength int

	// AllEvents disables the interest filter so every event is processed.
	// Useful for producing debug traces.
	AllEvents bool

	// FlushOnBoot drops all tracked channels when FullyBooted arrives.
	// Off by default: after a reconnect the stream usually re-announces
	// little, and dropping state trades missed events for stale ones.
	FlushOnBoot bool
}

// Stats is a point-in-time snapshot of manager counters, for metrics.
type Stats struct {
	Channels        int
	DialEdges       int
	EventsProcessed uint64
	EventsSkipped   uint64
	BDials          uint64
	Transfers       uint64
}

// ChannelInfo is a read-only snapshot of one tracked channel.
type ChannelInfo struct {
	Name        string            `json:"name"`
	UniqueID    string            `json:"uniqueid"`
	State       int               `json:"state"`
	StateDesc   string            `json:"state_desc"`
	CallerID    callerid.CallerID `json:"caller_id"`
	AccountCode string            `json:"account_code"`
	Exten       string            `json:"exten"`
	Prev        string            `json:"prev,omitempty"`
	Next        string            `json:"next,omitempty"`
	Bridged     []string          `json:"bridged,omitempty"`
	Relevant    bool              `json:"relevant"`
}

// Manager owns all tracked channels and the dial graph, translates AMI
// events into channel mutations and recognizes the call-level patterns it
// reports through the Reporter.
//
// OnEvent is the only mutation entry point and is driven by a single
// consumer goroutine. The mutex exists so the HTTP API and the metrics
// collector can take consistent read snapshots; it does not make concurrent
// mutation supported.
type Manager struct {
	mu       sync.Mutex
	reporter Reporter
	opts     Options

	// trunkName matches SIP/<accountcode>- at the start of a channel name.
	trunkName *regexp.Regexp

	byName     map[string]*Channel
	byUniqueID map[string]*Channel

	// dialFwd maps an A-side uniqueid to the B-side uniqueids it dialed;
	// dialBck maps a B-side uniqueid to the single A-side that dialed it.
	// Kept dual: b in dialFwd[a] iff dialBck[b] == a.
	dialFwd map[string][]string
	dialBck map[string]string

	eventsProcessed uint64
	eventsSkipped   uint64
	bDials          uint64
	transfers       uint64
}

// NewManager creates a manager reporting to the given Reporter.
func NewManager(reporter Reporter, opts Options) *Manager {
	if opts.AccountCodeLength <= 0 {
		opts.AccountCodeLength = 9
	}
	return &Manager{
		reporter:   reporter,
		opts:       opts,
		trunkName:  regexp.MustCompile(fmt.Sprintf(`^SIP/(\d{%d})-`, opts.AccountCodeLength)),
		byName:     make(map[string]*Channel),
		byUniqueID: make(map[string]*Channel),
		dialFwd:    make(map[string][]string),
		dialBck:    make(map[string]string),
	}
}

// Interested reports whether the manager wants the named event.
func (m *Manager) Interested(event string) bool {
	if m.opts.AllEvents {
		return true
	}
	_, ok := defaultInterestingEvents[event]
	return ok
}

// Run consumes events until the channel closes, applying the interest
// filter and feeding the rest through OnEvent. It returns the first
// ProtocolError: past that point the channel graph no longer reflects
// Asterisk and the caller must stop trusting (and serving) it.
func (m *Manager) Run(events <-chan ami.Event) error {
	for e := range events {
		if !m.Interested(e.Name()) {
			continue
		}
		if err := m.OnEvent(e); err != nil {
			return err
		}
	}
	return nil
}

// OnEvent feeds one AMI event through the tracker. Lookup failures and
// malformed bridge sets are reported and swallowed; they are expected when
// the observer attached to an Asterisk with live channels. A ProtocolError
// return means the stream violated Asterisk semantics and the tracker's
// state can no longer be trusted.
func (m *Manager) OnEvent(e ami.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventsProcessed++
	err := m.dispatch(e)

	var missingChan *MissingChannelError
	var missingID *MissingUniqueidError
	var bridged *BridgedError
	switch {
	case err == nil:
	case errors.As(err, &missingChan), errors.As(err, &missingID), errors.As(err, &bridged):
		m.eventsSkipped++
		m.trace("skipping %s: %s", e.Name(), err)
		err = nil
	}

	// Echo the event whether or not dispatch succeeded.
	m.reporter.OnEvent(e)
	return err
}

// dispatch applies one event to the channel graph.
func (m *Manager) dispatch(e ami.Event) error {
	m.reporter.TraceAMI(e)

	switch e.Name() {
	case "FullyBooted":
		m.trace("connected to asterisk")
		if m.opts.FlushOnBoot && len(m.byName) > 0 {
			m.trace("flushing %d stale channels", len(m.byName))
			m.byName = make(map[string]*Channel)
			m.byUniqueID = make(map[string]*Channel)
			m.dialFwd = make(map[string][]string)
			m.dialBck = make(map[string]string)
		}
		return nil

	case "Newchannel":
		c := newChannel(e, m)
		m.byName[c.name] = c
		m.byUniqueID[c.uniqueid] = c
		m.trace("new %s", c)
		return nil

	case "Newstate":
		c, err := m.channelByName(e, "Channel")
		if err != nil {
			return err
		}
		return c.setState(e)

	case "NewCallerid":
		c, err := m.channelByName(e, "Channel")
		if err != nil {
			return err
		}
		c.setCallerID(e)
		return nil

	case "NewAccountCode":
		c, err := m.channelByName(e, "Channel")
		if err != nil {
			return err
		}
		c.setAccountCode(e)
		return nil

	case "LocalBridge":
		c1, err := m.channelByName(e, "Channel1")
		if err != nil {
			return err
		}
		c2, err := m.channelByName(e, "Channel2")
		if err != nil {
			return err
		}
		return c1.localBridge(c2)

	case "Rename":
		c, err := m.channelByName(e, "Channel")
		if err != nil {
			return err
		}
		delete(m.byName, c.name)
		c.setName(e.Get("Newname"))
		m.byName[c.name] = c
		return nil

	case "Bridge":
		c1, err := m.channelByName(e, "Channel1")
		if err != nil {
			return err
		}
		c2, err := m.channelByName(e, "Channel2")
		if err != nil {
			return err
		}
		switch e.Get("Bridgestate") {
		case "Link":
			c1.link(c2)
			return nil
		case "Unlink":
			return c1.unlink(c2)
		default:
			return protocolf("unknown Bridgestate %q", e.Get("Bridgestate"))
		}

	case "Masquerade":
		return m.onMasquerade(e)

	case "Hangup":
		return m.onHangup(e)

	case "Dial":
		return m.onDial(e)

	case "Transfer":
		return m.onTransferEvent(e)

	default:
		// UserEvent and anything else the filter let through.
		return nil
	}
}

// onMasquerade handles the in-place swap Asterisk performs during transfers
// and pickups: the Original channel survives with the Clone's guts, and the
// Clone is destroyed shortly after.
func (m *Manager) onMasquerade(e ami.Event) error {
	clone, err := m.channelByName(e, "Clone")
	if err != nil {
		return err
	}
	original, err := m.channelByName(e, "Original")
	if err != nil {
		return err
	}

	cloneState, originalState := e.Get("CloneState"), e.Get("OriginalState")
	if cloneState != originalState {
		// For blonde transfers the original is in Ring; an Up clone
		// masquerading into a Ringing original is a call pickup.
		if originalState != "Ring" && originalState != "Ringing" {
			return protocolf("masquerade with OriginalState %q", originalState)
		}
		if cloneState != "Up" {
			return protocolf("masquerade with CloneState %q", cloneState)
		}
		if originalState == "Ringing" {
			if err := m.rawPickupTransfer(clone, original); err != nil {
				return err
			}
		}
	}

	original.masquerade(clone)
	m.trace("masquerade %s -> %s", clone.name, original.name)
	return nil
}

// onHangup destroys a channel: sever links, drop it from both indices and
// purge the dial graph entries where it was the B side. Dials it originated
// stay until their own B channels hang up.
func (m *Manager) onHangup(e ami.Event) error {
	c, err := m.channelByName(e, "Channel")
	if err != nil {
		return err
	}

	if err := c.hangup(); err != nil {
		return err
	}
	delete(m.byName, c.name)
	delete(m.byUniqueID, c.uniqueid)

	for _, other := range m.byName {
		if other.next == c || other.prev == c {
			return protocolf("hung up channel %s still linked from %s", c.name, other.name)
		}
	}

	if aID, ok := m.dialBck[c.uniqueid]; ok {
		delete(m.dialBck, c.uniqueid)
		fwd := m.dialFwd[aID]
		for i, id := range fwd {
			if id == c.uniqueid {
				m.dialFwd[aID] = append(fwd[:i], fwd[i+1:]...)
				break
			}
		}
		if len(m.dialFwd[aID]) == 0 {
			delete(m.dialFwd, aID)
		}
	}

	if len(m.byName) == 0 {
		if len(m.byUniqueID) != 0 || len(m.dialFwd) != 0 || len(m.dialBck) != 0 {
			return protocolf("dial graph not empty after last hangup")
		}
		m.trace("no channels left")
	}
	return nil
}

// onDial records the directed dial relationship between an A and B channel.
func (m *Manager) onDial(e ami.Event) error {
	switch e.Get("SubEvent") {
	case "Begin":
		aID, bID := e.Get("UniqueID"), e.Get("DestUniqueID")
		if _, err := m.channelByUniqueID(aID); err != nil {
			return err
		}
		if _, err := m.channelByUniqueID(bID); err != nil {
			return err
		}
		if _, ok := m.dialBck[bID]; ok {
			return protocolf("channel %s is already a dial target", bID)
		}
		m.dialFwd[aID] = append(m.dialFwd[aID], bID)
		m.dialBck[bID] = aID
		return nil
	case "End":
		// Cleaned up at Hangup.
		return nil
	default:
		return protocolf("unknown Dial SubEvent %q", e.Get("SubEvent"))
	}
}

// onTransferEvent dispatches a Transfer event to the attended or blind
// recognition rule.
func (m *Manager) onTransferEvent(e ami.Event) error {
	c, err := m.channelByName(e, "Channel")
	if err != nil {
		return err
	}
	target, err := m.channelByName(e, "TargetChannel")
	if err != nil {
		return err
	}
	if byID := m.byUniqueID[e.Get("TargetUniqueid")]; byID != target {
		return protocolf("Transfer TargetChannel and TargetUniqueid disagree")
	}
	switch e.Get("TransferType") {
	case "Attended":
		return m.rawAttendedTransfer(c, target)
	case "Blind":
		m.rawBlindTransfer(c, target, e.Get("TransferExten"))
		return nil
	default:
		return protocolf("unknown TransferType %q", e.Get("TransferType"))
	}
}

// ===================================================================
// Recognition rules: channel-level signals to call-level events
// ===================================================================

// rawADial fires when an A side leaves Down. Deliberately a no-op: getting
// consistent A-dial values right is as much work as OnBDial delivers, and
// it complicates the transfer recognition. The hook stays as part of the
// channel state contract.
func (m *Manager) rawADial(c *Channel) {
	_ = c
}

// rawBDial fires when a B side first reaches Ringing or Up. It resolves the
// real A side through the dial graph and local links, completes a pending
// blind transfer if one was recorded, and emits OnBDial (and OnTransfer for
// the blind case, strictly after OnBDial).
func (m *Manager) rawBDial(c *Channel) error {
	if !strings.HasPrefix(c.name, "SIP/") {
		return nil
	}
	a, err := c.DialingChannel()
	if err != nil {
		return err
	}
	callee := c.CallerID()

	if from := a.custom.blindTransferFrom; from != nil {
		// A Transfer/Blind arrived before this dial. The redirector is the
		// channel recorded then; the transfer completes now.
		a.custom.blindTransferFrom = nil

		caller := from.CallerID()
		m.emitBDial(caller, callee)
		m.emitTransfer(caller, a.CallerID(), callee)
		return nil
	}

	m.emitBDial(a.CallerID(), callee)
	return nil
}

// rawAttendedTransfer handles Transfer/Attended. The redirector is the
// transfer target's identity; the caller is the peer bridged to the
// transferring channel. When the target is bridged this is a classical
// attended transfer; when its B side is still ringing it is a blonde
// transfer and every open dial produces an emission.
func (m *Manager) rawAttendedTransfer(c, target *Channel) error {
	redirector := target.CallerID()
	aChan, err := c.BridgedChannel()
	if err != nil {
		return err
	}
	caller := aChan.CallerID()

	if target.IsBridged() {
		bChan, err := target.BridgedChannel()
		if err != nil {
			return err
		}
		m.emitTransfer(redirector, caller, bChan.CallerID())
		return nil
	}

	bChans, err := target.DialedChannels()
	if err != nil {
		return err
	}
	for _, bChan := range bChans {
		m.emitTransfer(redirector, caller, bChan.CallerID())
	}
	return nil
}

// rawBlindTransfer handles Transfer/Blind, which arrives before the new
// dial. The redirector is stashed on the target; the B dial that follows
// consumes it and emits both events.
func (m *Manager) rawBlindTransfer(c, target *Channel, exten string) {
	target.custom.blindTransferFrom = c
	m.trace("blind transfer pending on %s to exten %s", target.name, exten)
}

// rawPickupTransfer handles the masquerade produced by call pickup: winner
// answered a call that was ringing on loser. The winner dialed in, so its
// own caller ID is meaningless; the pickup destination's identity is
// grafted onto it. The callee doubles as redirector because the pickup was
// caused by the destination, not by a third party.
func (m *Manager) rawPickupTransfer(winner, loser *Channel) error {
	a, err := loser.DialingChannel()
	if err != nil {
		return err
	}
	caller := a.CallerID()

	dest := loser.CallerID()
	callee := winner.CallerID().WithIdentity(dest.Name, dest.Number, dest.IsPublic)

	m.emitTransfer(callee, caller, callee)
	return nil
}

func (m *Manager) emitBDial(caller, callee callerid.CallerID) {
	m.bDials++
	m.reporter.OnBDial(caller, callee)
	m.trace("b_dial: %s --> %s", caller, callee)
}

func (m *Manager) emitTransfer(redirector, party1, party2 callerid.CallerID) {
	m.transfers++
	m.reporter.OnTransfer(redirector, party1, party2)
	m.trace("transfer: %s <--> %s (through %s)", party1, party2, redirector)
}

// ===================================================================
// Lookups and snapshots
// ===================================================================

func (m *Manager) channelByName(e ami.Event, key string) (*Channel, error) {
	name := e.Get(key)
	c, ok := m.byName[name]
	if !ok {
		return nil, &MissingChannelError{Key: key, Value: name}
	}
	return c, nil
}

func (m *Manager) channelByUniqueID(id string) (*Channel, error) {
	c, ok := m.byUniqueID[id]
	if !ok {
		return nil, &MissingUniqueidError{ID: id}
	}
	return c, nil
}

func (m *Manager) trace(format string, args ...any) {
	m.reporter.TraceMsg(fmt.Sprintf(format, args...))
}

// Channels returns a snapshot of all tracked channels, sorted by name.
func (m *Manager) Channels() []ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ChannelInfo, 0, len(m.byName))
	for _, c := range m.byName {
		info := ChannelInfo{
			Name:        c.name,
			UniqueID:    c.uniqueid,
			State:       c.state,
			StateDesc:   StateName(c.state),
			CallerID:    c.CallerID(),
			AccountCode: c.accountCode,
			Exten:       c.exten,
			Relevant:    c.IsRelevant(),
		}
		if c.prev != nil {
			info.Prev = c.prev.name
		}
		if c.next != nil {
			info.Next = c.next.name
		}
		for peer := range c.bridged {
			info.Bridged = append(info.Bridged, peer.name)
		}
		sort.Strings(info.Bridged)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns current counter values for the metrics collector.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Channels:        len(m.byName),
		DialEdges:       len(m.dialBck),
		EventsProcessed: m.eventsProcessed,
		EventsSkipped:   m.eventsSkipped,
		BDials:          m.bDials,
		Transfers:       m.transfers,
	}
}
