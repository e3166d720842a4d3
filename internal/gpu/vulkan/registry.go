package vulkan

// registry maps the opaque gpu handles handed to the frame pipeline onto driver objects. Handles
// start at 1 so the zero handle stays null, and are never reused.
type registry[T any] struct {
	next  uint64
	items map[uint64]T
}

func (r *registry[T]) add(item T) uint64 {
	if r.items == nil {
		r.items = make(map[uint64]T)
	}
	r.next++
	r.items[r.next] = item
	return r.next
}

func (r *registry[T]) get(handle uint64) (T, bool) {
	item, ok := r.items[handle]
	return item, ok
}

func (r *registry[T]) set(handle uint64, item T) {
	if _, ok := r.items[handle]; ok {
		r.items[handle] = item
	}
}

func (r *registry[T]) remove(handle uint64) (T, bool) {
	item, ok := r.items[handle]
	if ok {
		delete(r.items, handle)
	}
	return item, ok
}

func (r *registry[T]) len() int {
	return len(r.items)
}
