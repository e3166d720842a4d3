package gpu

// Releaser collects cleanup functions while a multi-step setup runs. On failure Release undoes
// every completed step in reverse order; on success Forget hands ownership to the caller.
type Releaser struct {
	fns []func()
}

func (r *Releaser) Defer(fn func()) {
	r.fns = append(r.fns, fn)
}

func (r *Releaser) Release() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
	r.fns = nil
}

func (r *Releaser) Forget() {
	r.fns = nil
}
