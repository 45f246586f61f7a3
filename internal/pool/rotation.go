package pool

import "time"

// Rotation is the outcome of evaluating the rotation triggers.
type Rotation int

const (
	RotationNone Rotation = iota
	// RotationAdvance moves the active pointer one step without touching health.
	RotationAdvance
	// RotationRebuild regenerates every descriptor and restarts the cycle.
	RotationRebuild
)

func (r Rotation) String() string {
	switch r {
	case RotationAdvance:
		return "advance"
	case RotationRebuild:
		return "rebuild"
	default:
		return "none"
	}
}

// Policy holds the two rotation triggers. A zero value disables a trigger.
type Policy struct {
	RotateEvery         time.Duration
	MaxRequestsPerProxy uint
}

// Decide evaluates both triggers. The time trigger wins when both fire.
func (p Policy) Decide(now, lastRotation time.Time, requests uint) Rotation {
	if p.RotateEvery > 0 && now.Sub(lastRotation) > p.RotateEvery {
		return RotationRebuild
	}
	if p.MaxRequestsPerProxy > 0 && requests >= p.MaxRequestsPerProxy {
		return RotationAdvance
	}
	return RotationNone
}

// Evaluate applies the rotation policy to the registry and reports what
// happened.
func (r *Registry) Evaluate() Rotation {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rot := r.policy.Decide(now, r.lastRotation, r.requests)
	switch rot {
	case RotationRebuild:
		r.rebuildLocked(now)
	case RotationAdvance:
		r.advanceLocked()
		r.requests = 0
	}
	if rot != RotationNone {
		r.log.WithField("rotation", rot.String()).Debug("Rotating proxies")
		if r.onRotate != nil {
			r.onRotate(rot)
		}
	}
	return rot
}

// Rebuild forces a time-style rotation regardless of the triggers.
func (r *Registry) Rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildLocked(r.now())
	if r.onRotate != nil {
		r.onRotate(RotationRebuild)
	}
}

// RotateProxies advances the active pointer by one. The next Next call starts
// at the new position.
func (r *Registry) RotateProxies() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
}

// rebuildLocked gives every descriptor a new id so health verdicts started
// before the rebuild are dropped on write-back.
func (r *Registry) rebuildLocked(now time.Time) {
	for _, d := range r.descriptors {
		r.nextID++
		d.ID = r.nextID
		// Scheme was validated at construction, BuildURL cannot fail here.
		d.URL, _ = BuildURL(*d, r.scheme)
		if !r.preserveHealth {
			d.Working = false
		}
	}
	r.requests = 0
	r.current = 0
	r.fresh = true
	r.lastRotation = now
}

func (r *Registry) advanceLocked() {
	if n := len(r.descriptors); n > 0 {
		r.current = (r.current + 1) % n
	}
	r.fresh = true
}
