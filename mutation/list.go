package mutation

import (
	"sync"

	"github.com/Bamington/battleplanapp-sub000/core"
)

// LocalList is a caller-held copy of a collection, such as the list a view
// renders. The coordinator applies mutations to tracked lists optimistically
// and restores them when the backend rejects the change.
type LocalList struct {
	mu    sync.RWMutex
	items []core.Resource
}

// NewLocalList creates a list holding copies of items.
func NewLocalList(items []core.Resource) *LocalList {
	l := &LocalList{}
	l.Replace(items)
	return l
}

// Items returns a copy of the list.
func (l *LocalList) Items() []core.Resource {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAll(l.items)
}

// Replace swaps the whole list, for example after a fresh read.
func (l *LocalList) Replace(items []core.Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = cloneAll(items)
}

func (l *LocalList) snapshot() []core.Resource {
	return l.Items()
}

func (l *LocalList) restore(items []core.Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = items
}

func (l *LocalList) add(r core.Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range l.items {
		if it.ID == r.ID {
			return
		}
	}
	l.items = append(l.items, r.Clone())
}

func (l *LocalList) put(r core.Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == r.ID {
			l.items[i] = r.Clone()
			return
		}
	}
}

func (l *LocalList) patch(id string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			r := l.items[i].Clone()
			r.Apply(fields)
			l.items[i] = r
			return
		}
	}
}

func (l *LocalList) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

func cloneAll(in []core.Resource) []core.Resource {
	out := make([]core.Resource, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
