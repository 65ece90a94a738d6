package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/sponsor"
)

// RoundState is where an open round is. Rounds leave the table once they
// finish, so terminal states only appear as an Outcome.
type RoundState string

const (
	StateNew        RoundState = "new"
	StateBidding    RoundState = "bidding"
	StateInstalling RoundState = "installing"
)

// Outcome names how a round ended.
type Outcome string

const (
	OutcomeSelected         Outcome = "selected"
	OutcomeAlreadySatisfied Outcome = "already_satisfied"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeNoHosts          Outcome = "no_hosts"
	OutcomeInstalled        Outcome = "installed"
	OutcomeFailed           Outcome = "failed"
)

type Bid struct {
	Node       string    `json:"node"`
	Value      int64     `json:"value"`
	ReceivedAt time.Time `json:"received_at"`
}

// Round is a snapshot of one open bid round.
type Round struct {
	Identity     string     `json:"identity"`
	State        RoundState `json:"state"`
	SymbolicName string     `json:"symbolic_name,omitempty"`
	Version      string     `json:"version,omitempty"`
	Winner       string     `json:"winner,omitempty"`
	Bids         []Bid      `json:"bids"`
	Deferred     int        `json:"deferred"`
	OpenedAt     time.Time  `json:"opened_at"`
	SelectedAt   time.Time  `json:"selected_at"`
}

type round struct {
	Round
	deferred []envelope.Event
}

type triggerResult int

const (
	triggerOpened triggerResult = iota
	triggerDeferred
	triggerUnconfigured
	triggerHosted
	triggerIgnored
)

type selection struct {
	identity     string
	winner       string
	symbolicName string
	version      string
}

// state is the coordination state of one coordinator. The worker, the
// ticker, and bus deliveries all go through its lock.
type state struct {
	mu        sync.Mutex
	rounds    map[string]*round
	blacklist map[string]int64
	sponsors  map[sponsor.Sponsor]string
	hosted    map[string]string
}

func newState() *state {
	return &state{
		rounds:    make(map[string]*round),
		blacklist: make(map[string]int64),
		sponsors:  make(map[sponsor.Sponsor]string),
		hosted:    make(map[string]string),
	}
}

// trigger records ev against its identity and reports what the caller must
// do next. Only triggerOpened requires a new round to be started.
func (s *state) trigger(ev envelope.Event, now time.Time) triggerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ev.Type
	if r, ok := s.rounds[id]; ok {
		r.deferred = append(r.deferred, ev)
		r.Deferred = len(r.deferred)
		return triggerDeferred
	}
	if ts, ok := s.blacklist[id]; ok {
		if _, remote := s.hosted[id]; ts == 0 && remote {
			return triggerHosted
		}
		if ts == 0 {
			s.blacklist[id] = now.UnixMilli()
			return triggerUnconfigured
		}
		return triggerIgnored
	}
	s.blacklist[id] = now.UnixMilli()
	s.rounds[id] = &round{
		Round: Round{
			Identity: id,
			State:    StateNew,
			Bids:     []Bid{},
			Deferred: 1,
			OpenedAt: now,
		},
		deferred: []envelope.Event{ev},
	}
	return triggerOpened
}

// bidding moves a new round to bidding once its candidate is known. The
// bid window starts here.
func (s *state) bidding(id, symbolicName, version string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok || r.State != StateNew {
		return false
	}
	r.State = StateBidding
	r.SymbolicName = symbolicName
	r.Version = version
	r.OpenedAt = now
	return true
}

func (s *state) addBid(id string, b Bid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok || r.State != StateBidding {
		return false
	}
	r.Bids = append(r.Bids, b)
	return true
}

// drop removes a round in state in and its deferred events. The blacklist
// entry stays.
func (s *state) drop(id string, in RoundState) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok || r.State != in {
		return 0, false
	}
	delete(s.rounds, id)
	return len(r.deferred), true
}

// timeouts bounds how long a round may wait in each phase.
type timeouts struct {
	window  time.Duration
	noBids  time.Duration
	install time.Duration
}

// due selects winners, expires rounds nobody bid on, and abandons installs
// whose winner never answered. Selected rounds move to installing before
// the lock is released so a later tick cannot select them twice.
func (s *state) due(now time.Time, t timeouts) (picked []selection, expired, abandoned []selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sortedRoundIDs(s.rounds) {
		r := s.rounds[id]
		if r.State == StateInstalling {
			if now.Sub(r.SelectedAt) >= t.install {
				delete(s.rounds, id)
				abandoned = append(abandoned, selection{identity: id, winner: r.Winner})
			}
			continue
		}
		if r.State != StateBidding {
			continue
		}
		if len(r.Bids) == 0 {
			if now.Sub(r.OpenedAt) >= t.noBids {
				delete(s.rounds, id)
				expired = append(expired, selection{identity: id})
			}
			continue
		}
		best := r.Bids[0]
		for _, b := range r.Bids[1:] {
			if b.Value > best.Value {
				best = b
			}
		}
		if best.Value <= 0 && now.Sub(best.ReceivedAt) < t.window {
			continue
		}
		r.State = StateInstalling
		r.Winner = best.Node
		r.SelectedAt = now
		picked = append(picked, selection{
			identity:     id,
			winner:       best.Node,
			symbolicName: r.SymbolicName,
			version:      r.Version,
		})
	}
	return picked, expired, abandoned
}

// finish closes an installing round. Success marks the identity installed
// and hands back the deferred events for replay. A consumer installed on
// another node is remembered so its events are not reported as unhandled
// here.
func (s *state) finish(id, from, self string, ok bool) ([]envelope.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.rounds[id]
	if !found || r.State != StateInstalling || r.Winner != from {
		return nil, false
	}
	delete(s.rounds, id)
	if ok {
		s.blacklist[id] = 0
		if from != self {
			s.hosted[id] = from
		}
	}
	return r.deferred, true
}

// installedFor remembers which identity a sponsor was installed for.
func (s *state) installedFor(sp sponsor.Sponsor, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sponsors[sp] = id
}

// forgetSponsors drops the blacklist entries of identities whose sponsor
// was uninstalled and returns those identities.
func (s *state) forgetSponsors(sponsors []sponsor.Sponsor) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, sp := range sponsors {
		id, ok := s.sponsors[sp]
		if !ok {
			continue
		}
		delete(s.sponsors, sp)
		delete(s.blacklist, id)
		delete(s.hosted, id)
		out = append(out, id)
	}
	return out
}

// clearBlacklist forgets every identity, open rounds included. Events held
// by a dropped round are discarded.
func (s *state) clearBlacklist() (entries, rounds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, rounds = len(s.blacklist), len(s.rounds)
	s.blacklist = make(map[string]int64)
	s.hosted = make(map[string]string)
	s.rounds = make(map[string]*round)
	return entries, rounds
}

func (s *state) blacklistSnapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.blacklist))
	for id, ts := range s.blacklist {
		out[id] = ts
	}
	return out
}

func (s *state) blacklistLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blacklist)
}

func (s *state) snapshot() []Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Round, 0, len(s.rounds))
	for _, id := range sortedRoundIDs(s.rounds) {
		r := s.rounds[id].Round
		r.Bids = append([]Bid(nil), r.Bids...)
		out = append(out, r)
	}
	return out
}

func sortedRoundIDs(rounds map[string]*round) []string {
	ids := make([]string, 0, len(rounds))
	for id := range rounds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
