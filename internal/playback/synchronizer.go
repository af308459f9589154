// Package playback tracks which cue is active for a playback position.
package playback

import (
	"sync"

	"github.com/MimeLyc/caption-floater/internal/caption"
)

// NoCue is the active index when playback is outside every cue.
const NoCue = -1

// Change is an active-index transition.
type Change struct {
	From int
	To   int
}

// Synchronizer maps playback time to the active cue index. Changes are
// reported only when the index actually moves.
type Synchronizer struct {
	mu     sync.Mutex
	cues   []caption.Cue
	active int
}

func New(cues []caption.Cue) *Synchronizer {
	return &Synchronizer{cues: cues, active: NoCue}
}

// Reset swaps the cue list and clears the active index.
func (s *Synchronizer) Reset(cues []caption.Cue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cues = cues
	s.active = NoCue
}

// Active returns the active cue index or NoCue.
func (s *Synchronizer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Update feeds a playback time. The first cue with start <= t <= end wins,
// so on a shared boundary the earlier cue stays active.
func (s *Synchronizer) Update(t float64) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := NoCue
	for i, cue := range s.cues {
		if cue.Contains(t) {
			next = i
			break
		}
	}
	if next == s.active {
		return Change{}, false
	}

	ch := Change{From: s.active, To: next}
	s.active = next
	return ch, true
}
