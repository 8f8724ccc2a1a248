// Package playback holds the authoritative playback timeline for one room.
// It is pure state math: no locks, no clocks of its own. The caller supplies
// now and holds whatever lock guards the room.
package playback

import (
	"math"
	"time"
)

// State is the server's view of the shared player. Position is seconds into
// the video as of UpdatedAt; while playing, the real position advances with
// wall time and is recovered by ProjectedAt.
type State struct {
	IsPlaying bool
	Position  float64
	UpdatedAt time.Time
}

// Decision is the outcome of checking one heartbeat against the timeline.
type Decision struct {
	ShouldCorrect bool
	Position      float64
	IsPlaying     bool
	Drift         float64
	Reason        string // "drift" or "state_mismatch"
}

func New(now time.Time) State {
	return State{Position: 0, IsPlaying: false, UpdatedAt: now}
}

func (s *State) Play(position float64, now time.Time) {
	s.IsPlaying = true
	s.Position = position
	s.UpdatedAt = now
}

func (s *State) Pause(position float64, now time.Time) {
	s.IsPlaying = false
	s.Position = position
	s.UpdatedAt = now
}

// Seek moves the timeline without touching the play/pause flag.
func (s *State) Seek(position float64, now time.Time) {
	s.Position = position
	s.UpdatedAt = now
}

// ProjectedAt returns where the video is at now. Paused state does not
// advance; playing state advances linearly since UpdatedAt.
func (s State) ProjectedAt(now time.Time) float64 {
	if !s.IsPlaying {
		return s.Position
	}
	elapsed := now.Sub(s.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return s.Position + elapsed
}

// Evaluate checks a reported player position against the timeline. Heartbeats
// never move the state; a report is either close enough or answered with a
// correction back to the projected position. Drift strictly beyond threshold,
// or a play/pause flag that disagrees with the server, triggers one.
func (s State) Evaluate(reportedPos float64, reportedPlaying bool, threshold float64, now time.Time) Decision {
	projected := s.ProjectedAt(now)
	drift := reportedPos - projected
	d := Decision{Position: projected, IsPlaying: s.IsPlaying, Drift: drift}
	switch {
	case reportedPlaying != s.IsPlaying:
		d.ShouldCorrect = true
		d.Reason = "state_mismatch"
	case math.Abs(drift) > threshold:
		d.ShouldCorrect = true
		d.Reason = "drift"
	}
	return d
}
