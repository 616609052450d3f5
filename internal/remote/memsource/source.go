// Package memsource is an in-memory remote mail source. It backs demo mode
// (remote.kind = memory) and tests, and can inject faults.
package memsource

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// Source is a thread-safe in-memory mailbox keyed by folder. Subject ids
// are per-folder increasing integers, like IMAP UIDs.
type Source struct {
	mu      sync.Mutex
	folders map[string]*folder

	// fault, when set, is returned by every operation.
	fault error
	// refuse makes commands report false without error.
	refuse bool

	calls map[string]int
}

type folder struct {
	nextUID uint64
	items   map[string]domain.MailItem
}

// New creates an empty source.
func New() *Source {
	return &Source{
		folders: make(map[string]*folder),
		calls:   make(map[string]int),
	}
}

func (s *Source) folder(name string) *folder {
	f, ok := s.folders[name]
	if !ok {
		f = &folder{nextUID: 1, items: make(map[string]domain.MailItem)}
		s.folders[name] = f
	}
	return f
}

// Deliver adds a message to name and returns its subject id. SubjectID,
// ID and Folder of the given item are overwritten.
func (s *Source) Deliver(name string, item domain.MailItem) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.folder(name)
	sid := strconv.FormatUint(f.nextUID, 10)
	f.nextUID++
	item.SubjectID = sid
	item.ID = domain.ItemID(name, sid)
	item.Folder = name
	if item.Date.IsZero() {
		item.Date = time.Now().UTC()
	}
	f.items[sid] = item.Clone()
	return sid
}

// Get returns a copy of a stored message.
func (s *Source) Get(name, subjectID string) (domain.MailItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[name]
	if !ok {
		return domain.MailItem{}, false
	}
	item, ok := f.items[subjectID]
	return item.Clone(), ok
}

// SetFault makes every subsequent operation fail with err. Nil clears it.
func (s *Source) SetFault(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

// SetRefuse makes commands report not-applied without an error.
func (s *Source) SetRefuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// Calls returns how often op was invoked.
func (s *Source) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Source) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.calls[op]++
	return s.fault
}

func (f *folder) sorted() []domain.MailItem {
	out := make([]domain.MailItem, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return domain.CompareSubjectIDs(out[i].SubjectID, out[j].SubjectID) < 0
	})
	return out
}

// ListRecent returns up to limit of the newest messages, oldest first.
func (s *Source) ListRecent(ctx context.Context, name string, limit int) ([]domain.MailItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "list_recent"); err != nil {
		return nil, err
	}

	items := s.folder(name).sorted()
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

// ListSince returns up to limit messages newer than lastID, oldest first.
func (s *Source) ListSince(ctx context.Context, name, lastID string, limit int) ([]domain.MailItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "list_since"); err != nil {
		return nil, err
	}

	var out []domain.MailItem
	for _, it := range s.folder(name).sorted() {
		if domain.CompareSubjectIDs(it.SubjectID, lastID) > 0 {
			out = append(out, it)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetFlag sets or clears one flag.
func (s *Source) SetFlag(ctx context.Context, name, subjectID string, flag domain.Flag, value bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "set_flag"); err != nil {
		return false, err
	}
	if s.refuse {
		return false, nil
	}

	f := s.folder(name)
	item, ok := f.items[subjectID]
	if !ok {
		return false, nil
	}
	switch flag {
	case domain.FlagRead:
		item.Flags.Read = value
	case domain.FlagFlagged:
		item.Flags.Flagged = value
	case domain.FlagAnswered:
		item.Flags.Answered = value
	case domain.FlagDraft:
		item.Flags.Draft = value
	case domain.FlagDeleted:
		item.Flags.Deleted = value
	default:
		return false, fmt.Errorf("memsource: unknown flag %q", flag)
	}
	f.items[subjectID] = item
	return true, nil
}

// Remove deletes a message.
func (s *Source) Remove(ctx context.Context, name, subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "remove"); err != nil {
		return false, err
	}
	if s.refuse {
		return false, nil
	}

	f := s.folder(name)
	if _, ok := f.items[subjectID]; !ok {
		return false, nil
	}
	delete(f.items, subjectID)
	return true, nil
}

// Move moves a message to target, assigning it a new subject id there.
func (s *Source) Move(ctx context.Context, name, subjectID, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "move"); err != nil {
		return false, err
	}
	if s.refuse {
		return false, nil
	}

	src := s.folder(name)
	item, ok := src.items[subjectID]
	if !ok {
		return false, nil
	}
	delete(src.items, subjectID)

	dst := s.folder(target)
	sid := strconv.FormatUint(dst.nextUID, 10)
	dst.nextUID++
	item.SubjectID = sid
	item.ID = domain.ItemID(target, sid)
	item.Folder = target
	dst.items[sid] = item
	return true, nil
}

// UnreadCount returns the number of unread messages in name.
func (s *Source) UnreadCount(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "unread_count"); err != nil {
		return 0, err
	}

	n := 0
	for _, it := range s.folder(name).items {
		if it.Flags.Unread() {
			n++
		}
	}
	return n, nil
}

// Seed fills folders with generated messages for demo mode.
func (s *Source) Seed(folders []string, perFolder int) {
	base := time.Now().UTC().Add(-time.Duration(perFolder) * time.Hour)
	for _, name := range folders {
		for i := 0; i < perFolder; i++ {
			s.Deliver(name, domain.MailItem{
				Subject:     fmt.Sprintf("%s message %d", name, i+1),
				From:        fmt.Sprintf("sender%d@example.com", i%5+1),
				To:          []string{"me@example.com"},
				Date:        base.Add(time.Duration(i) * time.Hour),
				Body:        fmt.Sprintf("Body of message %d in %s.", i+1, name),
				BodyPreview: fmt.Sprintf("Body of message %d", i+1),
				SizeBytes:   int64(512 + i),
				Flags:       domain.Flags{Read: i%3 == 0},
			})
		}
	}
}
