package memsource

import (
	"context"
	"errors"
	"testing"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

func TestSource_ListAndDeliver(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Deliver("INBOX", domain.MailItem{Subject: "m"})
	}

	recent, err := s.ListRecent(ctx, "INBOX", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 || recent[0].SubjectID != "3" || recent[2].SubjectID != "5" {
		t.Errorf("ListRecent() = %+v", recent)
	}

	since, _ := s.ListSince(ctx, "INBOX", "3", 10)
	if len(since) != 2 || since[0].SubjectID != "4" {
		t.Errorf("ListSince(3) = %+v", since)
	}
	if page, _ := s.ListSince(ctx, "INBOX", "", 2); len(page) != 2 || page[1].SubjectID != "2" {
		t.Errorf("ListSince(\"\", 2) = %+v", page)
	}
}

func TestSource_Commands(t *testing.T) {
	s := New()
	ctx := context.Background()
	sid := s.Deliver("INBOX", domain.MailItem{Subject: "hello"})

	if n, _ := s.UnreadCount(ctx, "INBOX"); n != 1 {
		t.Errorf("UnreadCount() = %d, want 1", n)
	}
	if ok, err := s.SetFlag(ctx, "INBOX", sid, domain.FlagRead, true); !ok || err != nil {
		t.Fatalf("SetFlag() = %v, %v", ok, err)
	}
	if n, _ := s.UnreadCount(ctx, "INBOX"); n != 0 {
		t.Errorf("UnreadCount() after read = %d", n)
	}
	if ok, _ := s.SetFlag(ctx, "INBOX", "99", domain.FlagRead, true); ok {
		t.Error("SetFlag() on unknown message should report false")
	}

	if ok, _ := s.Move(ctx, "INBOX", sid, "Archive"); !ok {
		t.Fatal("Move() should succeed")
	}
	if _, ok := s.Get("INBOX", sid); ok {
		t.Error("moved message still in source folder")
	}
	moved, ok := s.Get("Archive", "1")
	if !ok || moved.Folder != "Archive" || !moved.Flags.Read {
		t.Errorf("moved message = %+v", moved)
	}

	if ok, _ := s.Remove(ctx, "Archive", "1"); !ok {
		t.Error("Remove() should succeed")
	}
	if ok, _ := s.Remove(ctx, "Archive", "1"); ok {
		t.Error("second Remove() should report false")
	}
}

func TestSource_Faults(t *testing.T) {
	s := New()
	ctx := context.Background()
	sid := s.Deliver("INBOX", domain.MailItem{})

	boom := errors.New("connection reset")
	s.SetFault(boom)
	if _, err := s.ListRecent(ctx, "INBOX", 10); !errors.Is(err, boom) {
		t.Errorf("ListRecent() error = %v", err)
	}
	s.SetFault(nil)

	s.SetRefuse(true)
	if ok, err := s.SetFlag(ctx, "INBOX", sid, domain.FlagRead, true); ok || err != nil {
		t.Errorf("refused SetFlag() = %v, %v", ok, err)
	}
	if s.Calls("set_flag") != 1 || s.Calls("list_recent") != 1 {
		t.Errorf("calls = %d set_flag, %d list_recent", s.Calls("set_flag"), s.Calls("list_recent"))
	}
}

func TestSource_Seed(t *testing.T) {
	s := New()
	s.Seed([]string{"INBOX", "Sent"}, 4)

	items, _ := s.ListRecent(context.Background(), "Sent", 0)
	if len(items) != 4 || items[0].Folder != "Sent" {
		t.Errorf("seeded Sent = %+v", items)
	}
}
