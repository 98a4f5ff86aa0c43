package cache

import "container/list"

// Evictor orders resident entries for eviction. Implementations are called
// under the pool lock and need no synchronization of their own.
type Evictor interface {
	// Track registers a newly admitted entry.
	Track(e *Entry)
	// Touch records an access to e.
	Touch(e *Entry)
	// Forget drops e after it was removed from the pool.
	Forget(e *Entry)
	// SelectVictims returns entries in removal order until their sizes sum
	// to at least needed, or every entry when that is not enough. It does
	// not remove anything.
	SelectVictims(needed uint64) []*Entry
	// Reset forgets every entry.
	Reset()
}

// LRUEvictor ranks entries globally by access sequence, oldest first. The
// list front holds the most recent access; ties keep insertion order.
type LRUEvictor struct {
	order    *list.List
	elements map[Key]*list.Element
}

// NewLRUEvictor returns an empty LRU ordering.
func NewLRUEvictor() *LRUEvictor {
	return &LRUEvictor{
		order:    list.New(),
		elements: make(map[Key]*list.Element),
	}
}

func (l *LRUEvictor) Track(e *Entry) {
	if el, ok := l.elements[e.Key]; ok {
		el.Value = e
		l.reposition(el)
		return
	}
	el := l.order.PushFront(e)
	l.elements[e.Key] = el
	l.reposition(el)
}

func (l *LRUEvictor) Touch(e *Entry) {
	if el, ok := l.elements[e.Key]; ok {
		l.reposition(el)
	}
}

func (l *LRUEvictor) Forget(e *Entry) {
	if el, ok := l.elements[e.Key]; ok {
		l.order.Remove(el)
		delete(l.elements, e.Key)
	}
}

func (l *LRUEvictor) SelectVictims(needed uint64) []*Entry {
	var (
		victims []*Entry
		freed   uint64
	)
	for el := l.order.Back(); el != nil && freed < needed; el = el.Prev() {
		e := el.Value.(*Entry)
		victims = append(victims, e)
		freed += e.Size
	}
	return victims
}

func (l *LRUEvictor) Reset() {
	l.order.Init()
	l.elements = make(map[Key]*list.Element)
}

// Len returns the number of tracked entries.
func (l *LRUEvictor) Len() int { return l.order.Len() }

// reposition moves el toward the front until the list is ordered by
// (LastAccess, inserted) descending from the front. Access values come from
// a monotonic counter, so this is almost always a single MoveToFront.
func (l *LRUEvictor) reposition(el *list.Element) {
	l.order.MoveToFront(el)
	e := el.Value.(*Entry)
	for next := el.Next(); next != nil; next = el.Next() {
		n := next.Value.(*Entry)
		if less(n, e) {
			return
		}
		l.order.MoveAfter(el, next)
	}
}

// less reports whether a should be evicted before b.
func less(a, b *Entry) bool {
	if a.LastAccess != b.LastAccess {
		return a.LastAccess < b.LastAccess
	}
	return a.inserted < b.inserted
}
