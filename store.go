package privaxy

import "sync/atomic"

// BlockingStore is the process-wide toggle controlling whether the proxy's
// blocking logic is active. It is read by the proxy engine on every
// intercepted request and written by the admin API, so reads must never
// contend on a lock. The flag is not persisted; a restart resets it to
// enabled.
type BlockingStore struct {
	disabled atomic.Bool
}

// NewBlockingStore creates a BlockingStore with blocking enabled.
func NewBlockingStore() *BlockingStore {
	return &BlockingStore{}
}

// Enabled reports whether blocking is currently active.
func (s *BlockingStore) Enabled() bool {
	return !s.disabled.Load()
}

// SetEnabled enables or disables blocking. The new value is visible to all
// subsequent Enabled calls on any goroutine.
func (s *BlockingStore) SetEnabled(enabled bool) {
	s.disabled.Store(!enabled)
}

// ExclusionStore holds the set of host patterns exempt from blocking. The
// proxy engine consults it per request; the admin API replaces it
// wholesale. The set is swapped atomically so readers never block behind a
// writer.
type ExclusionStore struct {
	entries atomic.Pointer[[]string]
}

// NewExclusionStore creates an ExclusionStore seeded with the given
// entries.
func NewExclusionStore(entries []string) *ExclusionStore {
	s := &ExclusionStore{}
	s.Replace(entries)
	return s
}

// Get returns a snapshot copy of the exclusion set. The returned slice does
// not alias internal state and may be retained or modified by the caller.
func (s *ExclusionStore) Get() []string {
	cur := *s.entries.Load()
	out := make([]string, len(cur))
	copy(out, cur)
	return out
}

// Contains reports whether host is present in the exclusion set. This is
// the engine's per-request check; it does not copy.
func (s *ExclusionStore) Contains(host string) bool {
	for _, e := range *s.entries.Load() {
		if e == host {
			return true
		}
	}
	return false
}

// Replace swaps the whole exclusion set. PUT semantics: the previous set is
// discarded, never merged. The input is copied, so the caller keeps
// ownership of its slice.
func (s *ExclusionStore) Replace(entries []string) {
	snapshot := make([]string, len(entries))
	copy(snapshot, entries)
	s.entries.Store(&snapshot)
}
