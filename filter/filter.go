package filter

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/am6737/meshpeer/config"
)

var (
	// ErrUnparseableFrame is returned by Rule.Match when a frame is too short
	// or malformed for the fields a rule inspects.
	ErrUnparseableFrame = errors.New("unparseable frame")
	// ErrInvalidAction is returned when adding an entry with an action that
	// cannot be stored in a chain.
	ErrInvalidAction = errors.New("invalid filter action")
)

// Action is what happens to a frame matched by a rule.
type Action int

const (
	ActionDeny Action = iota + 1
	ActionAllow
	// ActionLog records the match and keeps evaluating.
	ActionLog
	// ActionUnparseable is produced internally for malformed frames and is
	// never stored in a chain.
	ActionUnparseable
)

var actionNames = map[Action]string{
	ActionDeny:        "DENY",
	ActionAllow:       "ALLOW",
	ActionLog:         "LOG",
	ActionUnparseable: "UNPARSEABLE",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseAction parses allow, deny or log, case insensitively.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "accept":
		return ActionAllow, nil
	case "deny", "drop":
		return ActionDeny, nil
	case "log":
		return ActionLog, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Entry is one rule/action pair of a chain.
type Entry struct {
	Rule   Rule
	Action Action
}

func (e Entry) String() string {
	return e.Rule.String() + "->" + e.Action.String()
}

// Filter is an ordered chain of rules evaluated against Ethernet frames.
// All methods are safe for concurrent use.
type Filter struct {
	mu            sync.RWMutex
	chain         []Entry
	defaultAction Action

	logger *logrus.Logger

	allowed     metrics.Counter
	denied      metrics.Counter
	logged      metrics.Counter
	unparseable metrics.Counter
	defaulted   metrics.Counter
}

type Option func(*Filter)

// WithDefaultAction sets the action returned when no entry matches. Only
// ActionAllow and ActionDeny are meaningful here; anything else is ignored.
func WithDefaultAction(a Action) Option {
	return func(f *Filter) {
		if a == ActionAllow || a == ActionDeny {
			f.defaultAction = a
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRegistry registers the filter counters in r instead of the default registry.
func WithRegistry(r metrics.Registry) Option {
	return func(f *Filter) {
		f.registerMetrics(r)
	}
}

// New returns an empty chain. Unless configured otherwise frames that match
// no entry are allowed.
func New(opts ...Option) *Filter {
	f := &Filter{
		defaultAction: ActionAllow,
	}
	f.registerMetrics(nil)
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logrus.New()
		f.logger.Out = io.Discard
	}
	return f
}

// FromConfig builds a chain from the filter section of the configuration.
func FromConfig(cfg config.FilterConfig, opts ...Option) (*Filter, error) {
	if cfg.DefaultAction != "" {
		a, err := ParseAction(cfg.DefaultAction)
		if err != nil || a == ActionLog {
			return nil, fmt.Errorf("%w: filter default action %q must be allow or deny", ErrInvalidAction, cfg.DefaultAction)
		}
		opts = append([]Option{WithDefaultAction(a)}, opts...)
	}

	f := New(opts...)
	for i, rc := range cfg.Rules {
		r, err := ParseRule(rc.EtherType, rc.Protocol, rc.Port)
		if err != nil {
			return nil, fmt.Errorf("filter rule %d (%s): %w", i, rc, err)
		}
		a, err := ParseAction(rc.Action)
		if err != nil {
			return nil, fmt.Errorf("filter rule %d (%s): %w", i, rc, err)
		}
		if err := f.Add(r, a); err != nil {
			return nil, fmt.Errorf("filter rule %d (%s): %w", i, rc, err)
		}
	}
	return f, nil
}

func (f *Filter) registerMetrics(r metrics.Registry) {
	f.allowed = metrics.GetOrRegisterCounter("filter.allow", r)
	f.denied = metrics.GetOrRegisterCounter("filter.deny", r)
	f.logged = metrics.GetOrRegisterCounter("filter.log", r)
	f.unparseable = metrics.GetOrRegisterCounter("filter.unparseable", r)
	f.defaulted = metrics.GetOrRegisterCounter("filter.default", r)
}

// DefaultAction returns the action applied when no entry matches.
func (f *Filter) DefaultAction() Action {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultAction
}

// Add appends a rule/action pair. If an identical rule already exists it is
// removed first, so the chain holds the rule once, at the end, with the
// latest action.
func (f *Filter) Add(r Rule, a Action) error {
	switch a {
	case ActionAllow, ActionDeny, ActionLog:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidAction, a)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.chain {
		if f.chain[i].Rule == r {
			f.chain = append(f.chain[:i], f.chain[i+1:]...)
			break
		}
	}
	f.chain = append(f.chain, Entry{Rule: r, Action: a})
	return nil
}

// Clear removes every entry.
func (f *Filter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chain = nil
}

// Len returns the number of entries in the chain.
func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.chain)
}

// Entry returns the i-th entry, or false if i is out of bounds.
func (f *Filter) Entry(i int) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i < 0 || i >= len(f.chain) {
		return Entry{}, false
	}
	return f.chain[i], true
}

// Entries returns a copy of the chain.
func (f *Filter) Entries() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Entry, len(f.chain))
	copy(out, f.chain)
	return out
}

// Clone returns an independent copy of f with the same entries and settings.
func (f *Filter) Clone() *Filter {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := &Filter{
		chain:         make([]Entry, len(f.chain)),
		defaultAction: f.defaultAction,
		logger:        f.logger,
		allowed:       f.allowed,
		denied:        f.denied,
		logged:        f.logged,
		unparseable:   f.unparseable,
		defaulted:     f.defaulted,
	}
	copy(c.chain, f.chain)
	return c
}

// CopyFrom replaces the entries and default action of f with those of src.
// Both chains are locked, in address order, so two chains copying into each
// other cannot deadlock.
func (f *Filter) CopyFrom(src *Filter) {
	if f == src {
		return
	}

	first, second := f, src
	if uintptr(unsafe.Pointer(src)) < uintptr(unsafe.Pointer(f)) {
		first, second = src, f
	}
	first.lockFor(f)
	defer first.unlockFor(f)
	second.lockFor(f)
	defer second.unlockFor(f)

	f.chain = make([]Entry, len(src.chain))
	copy(f.chain, src.chain)
	f.defaultAction = src.defaultAction
}

// lockFor takes the write lock when f is the destination and the read lock otherwise.
func (f *Filter) lockFor(dst *Filter) {
	if f == dst {
		f.mu.Lock()
		return
	}
	f.mu.RLock()
}

func (f *Filter) unlockFor(dst *Filter) {
	if f == dst {
		f.mu.Unlock()
		return
	}
	f.mu.RUnlock()
}

// Evaluate runs a frame through the chain and returns ActionAllow or
// ActionDeny. frame is the Ethernet payload.
//
// Entries are tried in order and the first ALLOW or DENY match wins. LOG
// matches are recorded and evaluation continues. An entry that cannot be
// evaluated because the frame is malformed counts as not matching, so a
// later valid rule still gets its say. With no match the default action
// applies.
func (f *Filter) Evaluate(etherType uint16, frame []byte) Action {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, e := range f.chain {
		matched, err := e.Rule.Match(etherType, frame)
		if err != nil {
			f.unparseable.Inc(1)
			f.logger.WithError(err).WithFields(logrus.Fields{
				"rule":      e.Rule.String(),
				"etherType": EtherTypeName(etherType),
				"frameLen":  len(frame),
			}).Debug("Filter rule could not be evaluated")
			continue
		}
		if !matched {
			continue
		}

		switch e.Action {
		case ActionAllow:
			f.allowed.Inc(1)
			return ActionAllow
		case ActionDeny:
			f.denied.Inc(1)
			return ActionDeny
		case ActionLog:
			f.logged.Inc(1)
			f.logger.WithFields(logrus.Fields{
				"rule":      e.Rule.String(),
				"etherType": EtherTypeName(etherType),
				"frameLen":  len(frame),
			}).Info("Filter rule matched")
		}
	}

	f.defaulted.Inc(1)
	if f.defaultAction == ActionDeny {
		f.denied.Inc(1)
	} else {
		f.allowed.Inc(1)
	}
	return f.defaultAction
}

func (f *Filter) String() string {
	return f.StringSep(",")
}

// StringSep renders the chain with sep between entries.
func (f *Filter) StringSep(sep string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	parts := make([]string, 0, len(f.chain))
	for _, e := range f.chain {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, sep)
}
