package service

import (
	"sort"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// replayResult summarizes one replay pass.
type replayResult struct {
	Applied     int
	Anomalies   []domain.Event
	MaxSequence uint64
}

// workingSet is the in-memory item list of one partition, indexed by
// subject id. Subject ids removed by a Deleted event stay known as
// tombstones so a remote listing cannot bring them back.
type workingSet struct {
	partition string
	items     map[string]domain.MailItem
	removed   map[string]struct{}
}

func newWorkingSet(partition string, items []domain.MailItem) *workingSet {
	w := &workingSet{
		partition: partition,
		items:     make(map[string]domain.MailItem, len(items)),
		removed:   make(map[string]struct{}),
	}
	for _, it := range items {
		w.items[it.SubjectID] = it.Clone()
	}
	return w
}

// has reports whether subjectID is present or was deleted locally.
func (w *workingSet) has(subjectID string) bool {
	if _, ok := w.items[subjectID]; ok {
		return true
	}
	_, ok := w.removed[subjectID]
	return ok
}

// lastRemoved returns the highest tombstoned subject id.
func (w *workingSet) lastRemoved() string {
	maxID := ""
	for id := range w.removed {
		if domain.CompareSubjectIDs(id, maxID) > 0 {
			maxID = id
		}
	}
	return maxID
}

// apply applies one event. It reports false when the event references a
// subject id that is not in the set.
func (w *workingSet) apply(ev domain.Event) bool {
	if p, ok := ev.Payload.(domain.Received); ok {
		if !w.has(ev.SubjectID) {
			item := p.Item.Clone()
			item.SubjectID = ev.SubjectID
			if item.Folder == "" {
				item.Folder = w.partition
			}
			if item.ID == "" {
				item.ID = domain.ItemID(item.Folder, item.SubjectID)
			}
			w.items[ev.SubjectID] = item
		}
		return true
	}

	item, ok := w.items[ev.SubjectID]
	if !ok {
		return false
	}
	switch p := ev.Payload.(type) {
	case domain.Read:
		item.Flags.Read = true
	case domain.Unread:
		item.Flags.Read = false
	case domain.Deleted:
		delete(w.items, ev.SubjectID)
		w.removed[ev.SubjectID] = struct{}{}
		return true
	case domain.Moved:
		item.Folder = p.To
	}
	w.items[ev.SubjectID] = item
	return true
}

// merge inserts delta items whose subject id is neither present nor
// tombstoned and returns how many were added.
func (w *workingSet) merge(delta []domain.MailItem) int {
	added := 0
	for _, it := range delta {
		if w.has(it.SubjectID) {
			continue
		}
		w.items[it.SubjectID] = it.Clone()
		added++
	}
	return added
}

// sorted returns the items ordered by subject id, newest first.
func (w *workingSet) sorted() []domain.MailItem {
	out := make([]domain.MailItem, 0, len(w.items))
	for _, it := range w.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		return domain.CompareSubjectIDs(out[i].SubjectID, out[j].SubjectID) > 0
	})
	return out
}

// resident returns the sorted items whose folder tag is still the
// partition.
func (w *workingSet) resident() []domain.MailItem {
	all := w.sorted()
	out := all[:0]
	for _, it := range all {
		if it.Folder == "" || it.Folder == w.partition {
			out = append(out, it)
		}
	}
	return out
}

// replay applies the events of w's partition in ascending sequence order.
// SnapshotCreated events and events of other partitions are skipped.
func (w *workingSet) replay(events []domain.Event) replayResult {
	sorted := append([]domain.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var res replayResult
	for _, ev := range sorted {
		if ev.Sequence > res.MaxSequence {
			res.MaxSequence = ev.Sequence
		}
		if ev.Partition != w.partition || ev.Type() == domain.EventSnapshotCreated {
			continue
		}
		if !w.apply(ev) {
			res.Anomalies = append(res.Anomalies, ev)
			continue
		}
		res.Applied++
	}
	return res
}

// Replay applies events to items for partition and returns the resulting
// list, newest first. It is the pure form of the replay step of a load.
func Replay(partition string, items []domain.MailItem, events []domain.Event) []domain.MailItem {
	w := newWorkingSet(partition, items)
	w.replay(events)
	return w.sorted()
}
