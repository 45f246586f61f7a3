package pool

import "math/rand"

// scanWorking looks for the first working descriptor at or after start,
// probing at most len(ds) slots.
func scanWorking(ds []*Descriptor, start int) (int, bool) {
	n := len(ds)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if ds[idx].Working {
			return idx, true
		}
	}
	return -1, false
}

// scanUsable is scanWorking for descriptors that are also not blacklisted.
func scanUsable(ds []*Descriptor, start int) (int, bool) {
	n := len(ds)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if ds[idx].Usable() {
			return idx, true
		}
	}
	return -1, false
}

func pickRandom(ds []*Descriptor, rng *rand.Rand) (*Descriptor, bool) {
	usable := make([]*Descriptor, 0, len(ds))
	for _, d := range ds {
		if d.Usable() {
			usable = append(usable, d)
		}
	}
	if len(usable) == 0 {
		return nil, false
	}
	return usable[rng.Intn(len(usable))], true
}

// SelectSequential returns the working descriptor at or after the active
// pointer and moves the pointer onto it. Blacklist flags are not consulted.
func (r *Registry) SelectSequential() (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := scanWorking(r.descriptors, r.current)
	if !ok {
		return Descriptor{}, ErrNoHealthyProxy
	}
	r.current = idx
	r.fresh = false
	return *r.descriptors[idx], nil
}

// Next returns the next working, non-blacklisted descriptor after the one
// last served and counts it as a request.
func (r *Registry) Next() (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.descriptors)
	if n == 0 {
		return Descriptor{}, ErrNoWorkingProxy
	}
	start := r.current
	if !r.fresh {
		start = (r.current + 1) % n
	}
	idx, ok := scanUsable(r.descriptors, start)
	if !ok {
		return Descriptor{}, ErrNoWorkingProxy
	}
	r.current = idx
	r.fresh = false
	r.requests++
	return *r.descriptors[idx], nil
}

// Random picks uniformly among working, non-blacklisted descriptors.
func (r *Registry) Random() (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := pickRandom(r.descriptors, r.rng)
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// WorkingProxies returns every working, non-blacklisted descriptor in
// rotation order.
func (r *Registry) WorkingProxies() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if d.Usable() {
			out = append(out, *d)
		}
	}
	return out
}
