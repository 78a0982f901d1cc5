package projection

import (
	"bytes"
	"sort"
	"sync"

	"taskescrow/core/types"
	"taskescrow/native/proposal"
	"taskescrow/observability/metrics"
)

const defaultSubscriberBuffer = 64

// Store holds the projected views of every known instance together with the
// journal cursor they reflect. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	views   map[[20]byte]View
	cursor  int64
	subs    map[int]chan View
	nextID  int
	metrics *metrics.ProjectionMetrics
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		views: make(map[[20]byte]View),
		subs:  make(map[int]chan View),
	}
}

// SetMetrics wires the projection metrics registry. Nil disables metrics.
func (s *Store) SetMetrics(m *metrics.ProjectionMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Cursor returns the sequence of the last journal record folded.
func (s *Store) Cursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// Restore replaces the store contents with persisted views.
func (s *Store) Restore(views []View, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = make(map[[20]byte]View, len(views))
	for _, v := range views {
		s.views[v.Address] = v.Clone()
	}
	s.cursor = cursor
	s.metrics.SetUnavailable(s.unavailableLocked())
}

// Needs reports whether addr has no usable view yet, either because it was
// never loaded or because loading failed.
func (s *Store) Needs(addr [20]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[addr]
	return !ok || v.Unavailable
}

// Put installs a hydrated or unavailable view.
func (s *Store) Put(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[v.Address] = v.Clone()
	s.metrics.SetUnavailable(s.unavailableLocked())
	s.notifyLocked(v)
}

// ApplyBatch folds records into the views they address and advances the
// cursor past the batch. Records for unknown or unavailable instances are
// skipped. The changed views are returned in the order they last changed.
func (s *Store) ApplyBatch(records []types.EventRecord) []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make(map[[20]byte]int)
	var order []View
	for _, record := range records {
		if record.Sequence > s.cursor {
			s.cursor = record.Sequence
		}
		addr, ok := EventAddress(record)
		if !ok {
			s.metrics.ObserveSkipped(skipForeign)
			continue
		}
		current, known := s.views[addr]
		if !known || current.Unavailable {
			s.metrics.ObserveSkipped("unavailable")
			continue
		}
		next, reason := apply(current, record)
		if reason != "" {
			s.metrics.ObserveSkipped(reason)
			continue
		}
		s.views[addr] = next
		s.metrics.ObserveApplied(1)
		if idx, seen := changed[addr]; seen {
			order[idx] = next
			continue
		}
		changed[addr] = len(order)
		order = append(order, next)
	}
	out := make([]View, len(order))
	for i, v := range order {
		out[i] = v.Clone()
		s.notifyLocked(v)
	}
	return out
}

// View returns the projected view of addr.
func (s *Store) View(addr [20]byte) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[addr]
	if !ok {
		return View{}, false
	}
	return v.Clone(), true
}

// List returns every available view ordered by creation time and address.
func (s *Store) List() []View {
	return s.filter(func(View) bool { return true })
}

// Mine returns the views in which caller holds a role.
func (s *Store) Mine(caller [20]byte) []View {
	return s.filter(func(v View) bool { return Role(v, caller) != proposal.RoleNone })
}

// Open returns the published tasks caller could still respond to: instances
// in Init where caller holds no role.
func (s *Store) Open(caller [20]byte) []View {
	return s.filter(func(v View) bool {
		return v.State == proposal.StateInit && Role(v, caller) == proposal.RoleNone
	})
}

// Unavailable returns the views that failed to load.
func (s *Store) Unavailable() []View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []View
	for _, v := range s.views {
		if v.Unavailable {
			out = append(out, v.Clone())
		}
	}
	sortViews(out)
	return out
}

func (s *Store) filter(keep func(View) bool) []View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]View, 0, len(s.views))
	for _, v := range s.views {
		if v.Unavailable || !keep(v) {
			continue
		}
		out = append(out, v.Clone())
	}
	sortViews(out)
	return out
}

func sortViews(views []View) {
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt != views[j].CreatedAt {
			return views[i].CreatedAt < views[j].CreatedAt
		}
		return bytes.Compare(views[i].Address[:], views[j].Address[:]) < 0
	})
}

// Subscribe returns a channel of views as they change. A subscriber that
// falls behind its buffer misses updates rather than blocking the store.
func (s *Store) Subscribe(buffer int) (<-chan View, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan View, buffer)
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if existing, ok := s.subs[id]; ok {
				close(existing)
				delete(s.subs, id)
			}
		})
	}
}

func (s *Store) notifyLocked(v View) {
	for _, ch := range s.subs {
		select {
		case ch <- v.Clone():
		default:
		}
	}
}

func (s *Store) unavailableLocked() int {
	count := 0
	for _, v := range s.views {
		if v.Unavailable {
			count++
		}
	}
	return count
}
