package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

// Limits bounds admitted concurrency. A class without its own limit is only
// bounded by Total.
type Limits struct {
	Total    int
	PerClass map[string]int
}

// State is the process-wide admission gate and in-flight accounting. It is
// never persisted: a restart begins empty and accepting.
type State struct {
	mu         sync.Mutex
	limits     Limits
	accepting  bool
	total      int
	perClass   map[string]int
	inFlight   map[string]struct{}
	generation uint64
}

// Counts is a point-in-time view of the admission counters.
type Counts struct {
	Accepting bool
	Active    int
	PerClass  map[string]int
}

// NewState creates an accepting State with zeroed counters.
func NewState(limits Limits) *State {
	if limits.Total <= 0 {
		limits.Total = 1
	}
	return &State{
		limits:    limits,
		accepting: true,
		perClass:  make(map[string]int),
		inFlight:  make(map[string]struct{}),
	}
}

// Stop stops admitting new work. Tasks already admitted are unaffected.
func (s *State) Stop() {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
}

// Start resumes admission.
func (s *State) Start() {
	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()
}

// Accepting reports whether new work may be admitted.
func (s *State) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// Reset zeroes the in-memory counters. Slots admitted before the reset become
// inert so their later release cannot drive counters negative.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.total = 0
	for class := range s.perClass {
		metrics.ActiveSlots.WithLabelValues(class).Set(0)
	}
	s.perClass = make(map[string]int)
	s.inFlight = make(map[string]struct{})
}

// Capacity returns how many more steps of class may be admitted right now.
func (s *State) Capacity(class string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacityLocked(class)
}

func (s *State) capacityLocked(class string) int {
	if !s.accepting {
		return 0
	}
	free := s.limits.Total - s.total
	if limit, ok := s.limits.PerClass[class]; ok {
		if classFree := limit - s.perClass[class]; classFree < free {
			free = classFree
		}
	}
	if free < 0 {
		return 0
	}
	return free
}

// InFlight reports whether a step of the campaign is currently admitted.
func (s *State) InFlight(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[campaignID]
	return ok
}

// TryAdmit reserves a slot for one step of the campaign. The budget check and
// the counter increment happen under one lock, so concurrent admissions can
// never overshoot the limits.
func (s *State) TryAdmit(campaignID, class string) (*Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacityLocked(class) <= 0 {
		return nil, false
	}
	if _, busy := s.inFlight[campaignID]; busy {
		return nil, false
	}

	s.total++
	s.perClass[class]++
	s.inFlight[campaignID] = struct{}{}
	metrics.ActiveSlots.WithLabelValues(class).Set(float64(s.perClass[class]))

	return &Slot{state: s, campaignID: campaignID, class: class, generation: s.generation}, true
}

func (s *State) release(sl *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl.generation != s.generation {
		return
	}
	if s.total > 0 {
		s.total--
	}
	if s.perClass[sl.class] > 0 {
		s.perClass[sl.class]--
	}
	delete(s.inFlight, sl.campaignID)
	metrics.ActiveSlots.WithLabelValues(sl.class).Set(float64(s.perClass[sl.class]))
}

// Counts returns a snapshot of the counters.
func (s *State) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	perClass := make(map[string]int, len(s.perClass))
	for class, n := range s.perClass {
		perClass[class] = n
	}
	return Counts{
		Accepting: s.accepting,
		Active:    s.total,
		PerClass:  perClass,
	}
}

// Slot is one unit of admitted concurrency.
type Slot struct {
	state      *State
	campaignID string
	class      string
	generation uint64
	released   atomic.Bool
}

// Release returns the slot to the State. Only the first call has an effect;
// it reports whether this call was the one that released.
func (sl *Slot) Release() bool {
	if sl == nil || !sl.released.CompareAndSwap(false, true) {
		return false
	}
	sl.state.release(sl)
	return true
}

// Released reports whether the slot has been returned.
func (sl *Slot) Released() bool {
	return sl != nil && sl.released.Load()
}
