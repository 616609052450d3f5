package service

import (
	"sort"
	"time"

	"github.com/yndnr/mailsync-go/pkg/cmap"
)

// SyncStatus is the outcome of the most recent load of one folder.
type SyncStatus struct {
	Folder      string     `json:"folder"`
	LastLoadAt  time.Time  `json:"last_load_at"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Source      string     `json:"source,omitempty"`
	SnapshotID  string     `json:"snapshot_id,omitempty"`
	ItemCount   int        `json:"item_count"`
	Degraded    bool       `json:"degraded"`
	Partial     bool       `json:"partial"`
	Error       string     `json:"error,omitempty"`
	Loads       uint64     `json:"loads"`
}

// StatusTracker keeps the latest SyncStatus per folder.
type StatusTracker struct {
	m *cmap.Map[string, SyncStatus]
}

// NewStatusTracker creates an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{m: cmap.New[string, SyncStatus]()}
}

func (t *StatusTracker) record(folder string, at time.Time, res *LoadResult, err error) {
	t.m.Update(folder, func(prev SyncStatus, _ bool) SyncStatus {
		st := SyncStatus{
			Folder:      folder,
			LastLoadAt:  at,
			LastSuccess: prev.LastSuccess,
			Loads:       prev.Loads + 1,
		}
		if err != nil {
			st.Error = err.Error()
			return st
		}
		st.LastSuccess = &at
		st.Source = res.Source
		st.SnapshotID = res.SnapshotID
		st.ItemCount = len(res.Items)
		st.Degraded = res.Degraded
		st.Partial = res.Partial
		return st
	})
}

// Get returns the status of folder.
func (t *StatusTracker) Get(folder string) (SyncStatus, bool) {
	return t.m.Get(folder)
}

// All returns every tracked status ordered by folder.
func (t *StatusTracker) All() []SyncStatus {
	out := t.m.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}
