package analytics

import (
	"math"
	"time"
)

type point struct {
	x, y float64
	at   time.Time
}

// track is the per track-id history and state. It is only touched by the
// owning engine.
type track struct {
	ring  []point
	head  int
	count int

	state          State
	suspicionStart time.Time
	cooldownStart  time.Time

	last    point
	hasLast bool
	speed   float64
}

func newTrack(size int) *track {
	return &track{ring: make([]point, size)}
}

func (t *track) push(p point) {
	t.ring[t.head] = p
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
}

func (t *track) oldest() point {
	if t.count < len(t.ring) {
		return t.ring[0]
	}
	return t.ring[t.head]
}

func (t *track) windowReady(cfg *Config, now time.Time) bool {
	if t.count >= cfg.MinHistory {
		return true
	}
	return t.count >= 2 && cfg.MinWindow > 0 && now.Sub(t.oldest().at) >= cfg.MinWindow
}

// updateSpeed records a sighting and returns the km/h speed since the
// previous one, or false on the first sighting
func (t *track) updateSpeed(p point, pixelsToMeters float64) (float64, bool) {
	defer func() {
		t.last = p
		t.hasLast = true
	}()

	if !t.hasLast {
		return 0, false
	}
	dt := p.at.Sub(t.last.at).Seconds()
	if dt <= 0 {
		return t.speed, true
	}
	dist := math.Hypot(p.x-t.last.x, p.y-t.last.y)
	t.speed = dist * pixelsToMeters / dt * 3.6
	return t.speed, true
}

// observe appends a centroid and advances the state machine. It returns
// true exactly when the track enters CONFIRMED.
func (t *track) observe(p point, cfg *Config) bool {
	t.push(p)
	now := p.at

	if t.state == StateCooldown {
		if now.Sub(t.cooldownStart) > cfg.CooldownTime {
			t.state = StateNormal
		}
		return false
	}

	if !t.windowReady(cfg, now) {
		return false
	}

	past := t.oldest()
	dist := math.Hypot(p.x-past.x, p.y-past.y)

	if dist < cfg.PixelMoveThreshold {
		switch t.state {
		case StateNormal:
			t.state = StateSuspicion
			t.suspicionStart = now
		case StateSuspicion:
			if now.Sub(t.suspicionStart) > cfg.TimeToConfirm {
				t.state = StateConfirmed
				return true
			}
		}
		return false
	}

	if t.state == StateSuspicion {
		t.state = StateNormal
	}
	return false
}

func (t *track) enterCooldown(now time.Time) {
	t.state = StateCooldown
	t.cooldownStart = now
}
