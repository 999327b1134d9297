package cache

import (
	"container/list"
	"sort"
	"time"
)

// lruIndex tracks entry metadata in access order using a doubly-linked list.
// The front of the list is the most recently accessed entry, the back the
// eviction candidate. It is not safe for concurrent use; Manager guards it.
type lruIndex struct {
	entries    map[string]*list.Element
	accessList *list.List
	totalBytes int64
}

// lruEntry is the list element payload.
type lruEntry struct {
	id   string
	meta Metadata
}

func newLRUIndex() *lruIndex {
	return &lruIndex{
		entries:    make(map[string]*list.Element),
		accessList: list.New(),
	}
}

// rebuild replaces the index contents with records ordered by last access.
// Ties fall back to creation time, then id, so the order is deterministic.
func (l *lruIndex) rebuild(records []Record) {
	l.entries = make(map[string]*list.Element, len(records))
	l.accessList.Init()
	l.totalBytes = 0

	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return olderThan(sorted[i].ID, sorted[i].Metadata, sorted[j].ID, sorted[j].Metadata)
	})

	// Oldest first; each push to the front leaves the newest at the front.
	for _, rec := range sorted {
		l.add(rec.ID, rec.Metadata)
	}
}

func olderThan(idA string, a Metadata, idB string, b Metadata) bool {
	if !a.LastAccess.Equal(b.LastAccess) {
		return a.LastAccess.Before(b.LastAccess)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return idA < idB
}

func (l *lruIndex) get(id string) (Metadata, bool) {
	elem, ok := l.entries[id]
	if !ok {
		return Metadata{}, false
	}
	return elem.Value.(*lruEntry).meta, true
}

// add inserts or replaces an entry as the most recently accessed one.
func (l *lruIndex) add(id string, meta Metadata) {
	l.remove(id)
	elem := l.accessList.PushFront(&lruEntry{id: id, meta: meta})
	l.entries[id] = elem
	l.totalBytes += meta.Size
}

// touch moves an entry to the front and stamps its access time.
func (l *lruIndex) touch(id string, at time.Time) bool {
	elem, ok := l.entries[id]
	if !ok {
		return false
	}
	elem.Value.(*lruEntry).meta.LastAccess = at
	l.accessList.MoveToFront(elem)
	return true
}

func (l *lruIndex) remove(id string) (Metadata, bool) {
	elem, ok := l.entries[id]
	if !ok {
		return Metadata{}, false
	}
	entry := elem.Value.(*lruEntry)
	l.accessList.Remove(elem)
	delete(l.entries, id)
	l.totalBytes -= entry.meta.Size
	return entry.meta, true
}

// oldest returns the least recently accessed entry id.
func (l *lruIndex) oldest() (string, bool) {
	back := l.accessList.Back()
	if back == nil {
		return "", false
	}
	return back.Value.(*lruEntry).id, true
}

func (l *lruIndex) len() int {
	return l.accessList.Len()
}

// ids returns cached ids from most to least recently accessed.
func (l *lruIndex) ids() []string {
	out := make([]string, 0, l.accessList.Len())
	for elem := l.accessList.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*lruEntry).id)
	}
	return out
}
