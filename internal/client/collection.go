package client

import (
	"slices"
	"strings"
	"sync"

	"github.com/gosuda/netpanel/internal/domain"
)

// Collection is the merged, arrival-ordered list of records from both
// sources, plus a filtered view derived from it. Record ids are unique.
type Collection struct {
	mu        sync.Mutex
	records   []domain.CapturedCall
	index     map[string]int
	filter    string
	view      []domain.CapturedCall
	listeners map[int]func()
	nextID    int
}

func NewCollection() *Collection {
	return &Collection{
		index:     make(map[string]int),
		listeners: make(map[int]func()),
	}
}

// Append adds call at the end. It reports false, leaving the collection
// unchanged, when a record with the same id is already present.
func (c *Collection) Append(call domain.CapturedCall) bool {
	c.mu.Lock()
	if _, ok := c.index[call.ID]; ok {
		c.mu.Unlock()
		return false
	}
	c.index[call.ID] = len(c.records)
	c.records = append(c.records, call.Clone())
	c.recomputeLocked()
	c.mu.Unlock()

	c.notify()
	return true
}

// Settle applies s to the pending record with the given id. Unknown ids and
// already settled records are left alone.
func (c *Collection) Settle(id string, s domain.Settlement) bool {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok || !c.records[i].Settle(s) {
		c.mu.Unlock()
		return false
	}
	c.recomputeLocked()
	c.mu.Unlock()

	c.notify()
	return true
}

// Clear removes every record. The filter text is kept.
func (c *Collection) Clear() {
	c.mu.Lock()
	c.records = nil
	c.index = make(map[string]int)
	c.recomputeLocked()
	c.mu.Unlock()

	c.notify()
}

// SetFilter replaces the filter text and recomputes the view.
func (c *Collection) SetFilter(text string) {
	c.mu.Lock()
	if c.filter == text {
		c.mu.Unlock()
		return
	}
	c.filter = text
	c.recomputeLocked()
	c.mu.Unlock()

	c.notify()
}

func (c *Collection) Filter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// Records returns a copy of every record in arrival order.
func (c *Collection) Records() []domain.CapturedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.records)
}

// View returns a copy of the records matching the filter, in arrival order.
func (c *Collection) View() []domain.CapturedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.view)
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// OnChange registers fn to run after every change to the records or the
// filter. The returned function removes it.
func (c *Collection) OnChange(fn func()) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Collection) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Collection) recomputeLocked() {
	needle := strings.ToLower(c.filter)
	if needle == "" {
		c.view = slices.Clone(c.records)
		return
	}
	view := make([]domain.CapturedCall, 0, len(c.records))
	for _, r := range c.records {
		if Matches(r, needle) {
			view = append(view, r)
		}
	}
	c.view = view
}

// Matches reports whether call's URL, method or status contains needle,
// ignoring case.
func Matches(call domain.CapturedCall, needle string) bool {
	needle = strings.ToLower(needle)
	return strings.Contains(strings.ToLower(call.URL), needle) ||
		strings.Contains(strings.ToLower(call.Method), needle) ||
		strings.Contains(call.StatusString(), needle)
}

func cloneAll(in []domain.CapturedCall) []domain.CapturedCall {
	out := make([]domain.CapturedCall, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
