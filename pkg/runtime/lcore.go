package runtime

// AllocLcore returns the id of a free worker core, marking it allocated.
// It never returns the control core. Guarded by its own mutex so it stays
// cheap on the task create/teardown path.
func (r *Runtime) AllocLcore() (int, error) {
	r.lcoreMu.Lock()
	defer r.lcoreMu.Unlock()
	for id, used := range r.lcores {
		if !used {
			r.lcores[id] = true
			return id, nil
		}
	}
	r.recordErr("no available cores")
	return -1, ErrNoLcores
}

// FreeLcore marks a core free for reuse. Freeing the control core is
// refused: it is permanently reserved and never handed out.
func (r *Runtime) FreeLcore(id int) {
	r.lcoreMu.Lock()
	defer r.lcoreMu.Unlock()
	r.freeLcoreLocked(id)
}

// freeLcore is for callers already outside the lcore mutex but inside the
// resource mutex; the two locks are never nested the other way.
func (r *Runtime) freeLcore(id int) {
	r.lcoreMu.Lock()
	r.freeLcoreLocked(id)
	r.lcoreMu.Unlock()
}

func (r *Runtime) freeLcoreLocked(id int) {
	if id == r.mainCore || id < 0 || id >= len(r.lcores) {
		return
	}
	r.lcores[id] = false
}

// AvailableLcores returns how many worker cores are currently free.
func (r *Runtime) AvailableLcores() int {
	r.lcoreMu.Lock()
	defer r.lcoreMu.Unlock()
	n := 0
	for _, used := range r.lcores {
		if !used {
			n++
		}
	}
	return n
}
