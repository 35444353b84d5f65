// Package tracker reconstructs the state of all open Asterisk channels from
// the AMI event stream and recognizes when higher-level call operations have
// happened. The Manager consumes events through OnEvent and reports two call
// events to its Reporter: OnBDial ("a call is ringing") and OnTransfer ("a
// call was handed over"), covering attended, blind and blonde transfers and
// call pickup.
package tracker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chantrace/chantrace/internal/ami"
	"github.com/chantrace/chantrace/internal/callerid"
)

// Asterisk AST_STATE_* channel states.
const (
	StateDown           = 0
	StateReserved       = 1
	StateOffHook        = 2
	StateDialing        = 3
	StateRing           = 4
	StateRinging        = 5
	StateUp             = 6
	StateBusy           = 7
	StateDialingOffHook = 8
	StatePreRing        = 9
)

// StateName returns the AST_STATE description for a channel state value.
func StateName(state int) string {
	switch state {
	case StateDown:
		return "Down"
	case StateReserved:
		return "Reserved"
	case StateOffHook:
		return "OffHook"
	case StateDialing:
		return "Dialing"
	case StateRing:
		return "Ring"
	case StateRinging:
		return "Ringing"
	case StateUp:
		return "Up"
	case StateBusy:
		return "Busy"
	case StateDialingOffHook:
		return "DialingOffHook"
	case StatePreRing:
		return "PreRing"
	default:
		return "Unknown"
	}
}

// customBag carries cross-event signals attached to a channel. It is held by
// pointer: a masquerade hands the clone's bag to the original, and producers
// that still write through the clone must be visible on the original. Both
// channels end up sharing the same bag.
type customBag struct {
	// blindTransferFrom is set by a Transfer/Blind event that arrives before
	// the new dial. The B-dial that follows consumes it and emits the
	// transfer. Nil when no blind transfer is pending.
	blindTransferFrom *Channel
}

// Channel holds the tracked state of one Asterisk channel. Channels are
// created on Newchannel and destroyed on Hangup; in between they can be
// renamed, locally bridged, bridged, masqueraded and dialed. All mutation
// happens through the owning Manager.
type Channel struct {
	manager *Manager

	name        string
	uniqueid    string
	state       int
	callerID    callerid.CallerID
	accountCode string
	exten       string

	// prev/next link the two halves of a Local channel pair. Chains are at
	// most two long; anything deeper is a protocol violation.
	prev, next *Channel

	// bridged is the set of peers currently linked for audio. Kept
	// symmetric: b in a.bridged iff a in b.bridged.
	bridged map[*Channel]struct{}

	custom *customBag
}

// newChannel builds a Channel from a Newchannel event.
//
// If the account code looks like a trunk account (configurable digit count)
// and the channel name starts with SIP/<accountcode>-, this is an outbound
// leg towards a trunk and the nominal caller ID is wrong: the dialed
// extension is recorded as the number instead.
func newChannel(e ami.Event, m *Manager) *Channel {
	c := &Channel{
		manager:     m,
		name:        e.Get("Channel"),
		uniqueid:    e.Get("Uniqueid"),
		accountCode: e.Get("AccountCode"),
		exten:       e.Get("Exten"),
		bridged:     make(map[*Channel]struct{}),
		custom:      &customBag{},
	}
	c.state, _ = strconv.Atoi(e.Get("ChannelState"))

	if len(c.accountCode) == m.opts.AccountCodeLength &&
		isDigits(c.accountCode) &&
		strings.HasPrefix(c.name, "SIP/"+c.accountCode+"-") {
		c.callerID = callerid.CallerID{Number: c.exten}
	} else {
		code, _ := strconv.Atoi(c.accountCode)
		c.callerID = callerid.New(code, e.Get("CallerIDName"), e.Get("CallerIDNum"))
	}

	return c
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Name returns the current Asterisk channel name, e.g. SIP/trunk-0000000c.
func (c *Channel) Name() string { return c.name }

// UniqueID returns the stable identifier assigned at channel creation.
func (c *Channel) UniqueID() string { return c.uniqueid }

// State returns the current AST_STATE value.
func (c *Channel) State() int { return c.state }

// AccountCode returns the account code as last reported by Asterisk.
func (c *Channel) AccountCode() string { return c.accountCode }

// Exten returns the dialed extension observed at channel creation.
func (c *Channel) Exten() string { return c.exten }

// IsRelevant reports whether this channel takes part in user-visible
// events: SIP channels only, and not zombie leftovers of a masquerade.
// Local channels and zombies exist purely as graph scaffolding.
func (c *Channel) IsRelevant() bool {
	return strings.HasPrefix(c.name, "SIP/") && !strings.HasSuffix(c.name, "<ZOMBIE>")
}

// CallerID returns the effective caller identity. The account code is
// derived from the *current* channel name on every read: a name matching
// SIP/<accountcode>- wins over whatever was stored, and any other SIP
// channel reads as code 0. Renames and masquerades change the name, so the
// stored code may be stale; the name never is.
func (c *Channel) CallerID() callerid.CallerID {
	if !strings.HasPrefix(c.name, "SIP/") {
		return c.callerID
	}
	if m := c.manager.trunkName.FindStringSubmatch(c.name); m != nil {
		code, _ := strconv.Atoi(m[1])
		return c.callerID.WithCode(code)
	}
	return c.callerID.WithCode(0)
}

// IsBridged reports whether the channel has at least one bridged peer.
func (c *Channel) IsBridged() bool { return len(c.bridged) > 0 }

// BridgedChannel returns the single bridged peer. It returns a BridgedError
// when the channel has zero or several peers; callers that only care about
// the happy path should check IsBridged first.
func (c *Channel) BridgedChannel() (*Channel, error) {
	if len(c.bridged) != 1 {
		return nil, &BridgedError{Channel: c.name, Count: len(c.bridged)}
	}
	for peer := range c.bridged {
		return peer, nil
	}
	panic("unreachable")
}

// setName renames the channel. The manager is responsible for moving the
// channel under its new key in the by-name index.
func (c *Channel) setName(name string) {
	old := c.name
	c.name = name
	c.manager.trace("rename %s -> %s", old, name)
}

// setState applies a Newstate event. A transition away from Down is the
// signal that a dial has started: Dialing/Ring/Up mark the A side,
// Ringing/Up mark the B side (Up fires both).
func (c *Channel) setState(e ami.Event) error {
	oldState := c.state
	newState, err := strconv.Atoi(e.Get("ChannelState"))
	if err != nil {
		return protocolf("bad ChannelState %q on %s", e.Get("ChannelState"), c.name)
	}
	if oldState == newState {
		return protocolf("state did not change on %s: %d", c.name, newState)
	}
	c.state = newState
	c.manager.trace("state %s: %s -> %s", c.name, StateName(oldState), StateName(newState))

	if oldState != StateDown {
		return nil
	}
	if newState == StateDialing || newState == StateRing || newState == StateUp {
		c.manager.rawADial(c)
	}
	if newState == StateRinging || newState == StateUp {
		return c.manager.rawBDial(c)
	}
	return nil
}

// setCallerID applies a NewCallerid event. The account code is preserved;
// name, number and the presentation flag are overwritten.
func (c *Channel) setCallerID(e ami.Event) {
	c.callerID = callerid.CallerID{
		Code:     c.callerID.Code,
		Name:     e.Get("CallerIDName"),
		Number:   e.Get("CallerIDNum"),
		IsPublic: strings.Contains(e.Get("CID-CallingPres"), "Allowed"),
	}
	c.manager.trace("callerid %s: %s", c.name, c.callerID)
}

// setAccountCode applies a NewAccountCode event.
func (c *Channel) setAccountCode(e ami.Event) {
	old := c.accountCode
	c.accountCode = e.Get("AccountCode")
	c.manager.trace("accountcode %s: %q -> %q", c.name, old, c.accountCode)
}

// localBridge ties the two halves of a Local channel pair: c becomes the
// head (next points at other), other the tail. Both halves must be unlinked.
func (c *Channel) localBridge(other *Channel) error {
	if c.next != nil || c.prev != nil {
		return protocolf("local bridge on already linked channel %s", c.name)
	}
	if other.next != nil || other.prev != nil {
		return protocolf("local bridge on already linked channel %s", other.name)
	}
	c.next = other
	other.prev = c
	c.manager.trace("localbridge %s <-> %s", c.name, other.name)
	return nil
}

// link records a Bridge/Link: both channels gain the other as bridged peer.
func (c *Channel) link(other *Channel) {
	c.bridged[other] = struct{}{}
	other.bridged[c] = struct{}{}
}

// unlink records a Bridge/Unlink. Removing a peer that was never bridged
// means our view of the bridge state has diverged from Asterisk's.
func (c *Channel) unlink(other *Channel) error {
	if _, ok := c.bridged[other]; !ok {
		return protocolf("unlink of unbridged channels %s and %s", c.name, other.name)
	}
	delete(c.bridged, other)
	delete(other.bridged, c)
	return nil
}

// hangup severs the local link back-pointers. The channel must have left
// all bridges by the time it hangs up.
func (c *Channel) hangup() error {
	if c.next != nil {
		c.next.prev = nil
	}
	if c.prev != nil {
		c.prev.next = nil
	}
	if len(c.bridged) != 0 {
		return protocolf("hangup of %s with %d live bridges", c.name, len(c.bridged))
	}
	return nil
}

// masquerade transplants the guts of other (the soon to be destroyed
// "Clone") into c (the surviving "Original"):
//
//  1. c's own local links are discarded,
//  2. other's local links move to c, far-end back-pointers rewritten,
//  3. bridges are left alone on both sides; Asterisk keeps bridge
//     membership through a masquerade, and stale bridges on the clone are
//     cleaned up when the clone is destroyed,
//  4. the custom bag moves by reference, so writes that a producer still
//     directs at the clone stay visible through c.
func (c *Channel) masquerade(other *Channel) {
	if c.next != nil {
		c.manager.trace("masquerade %s: discarding next link %s", c.name, c.next.name)
		c.next.prev = nil
		c.next = nil
	}
	if c.prev != nil {
		c.manager.trace("masquerade %s: discarding prev link %s", c.name, c.prev.name)
		c.prev.next = nil
		c.prev = nil
	}

	if other.next != nil {
		other.next.prev = c
		c.next = other.next
		other.next = nil
		c.manager.trace("masquerade %s: adopted next link %s", c.name, c.next.name)
	}
	if other.prev != nil {
		other.prev.next = c
		c.prev = other.prev
		other.prev = nil
		c.manager.trace("masquerade %s: adopted prev link %s", c.name, c.prev.name)
	}

	c.custom = other.custom
}

// DialingChannel resolves, from a B channel, the A channel on whose behalf
// the call is being made. It follows the dial graph backwards, rewinding
// through local link chains at every hop, until no further backlink exists.
// It returns the channel itself when nothing dialed it.
func (c *Channel) DialingChannel() (*Channel, error) {
	a := c
	for {
		dialerID, ok := c.manager.dialBck[a.uniqueid]
		if !ok {
			break
		}
		next, err := c.manager.channelByUniqueID(dialerID)
		if err != nil {
			return nil, err
		}
		a = next
		if a.prev == nil {
			// The source channel. A source must not itself be a dial target.
			if _, ok := c.manager.dialBck[a.uniqueid]; ok {
				return nil, protocolf("source channel %s is itself a dial target", a.name)
			}
			break
		}
		for a.prev != nil {
			a = a.prev
			if a.prev != nil {
				return nil, protocolf("local link chain deeper than two at %s", a.name)
			}
		}
	}
	return a, nil
}

// DialedChannels resolves, from an A channel, the terminal B channels being
// dialed on its behalf, looking through Local channel pairs. The result is
// de-duplicated and sorted by channel name for deterministic emission order.
func (c *Channel) DialedChannels() ([]*Channel, error) {
	set := make(map[*Channel]struct{})
	if err := c.collectDialed(set); err != nil {
		return nil, err
	}
	out := make([]*Channel, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (c *Channel) collectDialed(set map[*Channel]struct{}) error {
	for _, dialedID := range c.manager.dialFwd[c.uniqueid] {
		b, err := c.manager.channelByUniqueID(dialedID)
		if err != nil {
			return err
		}
		if b.next == nil {
			// A real tech channel; a terminal must not have open dials of
			// its own.
			if _, ok := c.manager.dialFwd[b.uniqueid]; ok {
				return protocolf("terminal channel %s has open dials", b.name)
			}
			set[b] = struct{}{}
			continue
		}
		b = b.next
		if b.next != nil {
			return protocolf("local link chain deeper than two at %s", b.name)
		}
		if err := b.collectDialed(set); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) String() string {
	next, prev := "-", "-"
	if c.next != nil {
		next = c.next.name
	}
	if c.prev != nil {
		prev = c.prev.name
	}
	return fmt.Sprintf("<Channel %s id=%s state=%s next=%s prev=%s cli=%s exten=%q>",
		c.name, c.uniqueid, StateName(c.state), next, prev, c.CallerID(), c.exten)
}
