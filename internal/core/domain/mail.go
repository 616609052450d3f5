package domain

import (
	"strconv"
	"time"
)

// Flag names understood by RemoteMailSource.SetFlag.
type Flag string

const (
	FlagRead     Flag = "read"
	FlagFlagged  Flag = "flagged"
	FlagAnswered Flag = "answered"
	FlagDraft    Flag = "draft"
	FlagDeleted  Flag = "deleted"
)

// Quality records the highest encoding fallback stage an item needed
// before it could be persisted. Zero means the item was never encoded.
type Quality int

const (
	QualityVerbatim   Quality = 1 // stored as-is
	QualityNormalized Quality = 2 // charset repaired, invalid bytes substituted
	QualityStripped   Quality = 3 // markup and non-printable content removed
	QualityMinimal    Quality = 4 // only identifiers and addresses kept
)

// Degraded reports whether content was lost while encoding.
func (q Quality) Degraded() bool {
	return q >= QualityStripped
}

// Flags holds the per-item mailbox flags. Unread is not stored; it is
// always the complement of Read.
type Flags struct {
	Read     bool `json:"read"`
	Flagged  bool `json:"flagged"`
	Answered bool `json:"answered"`
	Draft    bool `json:"draft"`
	Deleted  bool `json:"deleted"`
}

// Unread returns the complement of Read.
func (f Flags) Unread() bool {
	return !f.Read
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// MailItem is a materialized mail entry. Items only live inside a Snapshot.
type MailItem struct {
	// ID is the local identifier ("<folder>:<subject_id>").
	ID string `json:"id"`

	// SubjectID is the stable remote identifier (IMAP UID).
	SubjectID string `json:"subject_id"`

	Subject     string           `json:"subject"`
	From        string           `json:"from"`
	To          []string         `json:"to,omitempty"`
	Cc          []string         `json:"cc,omitempty"`
	Date        time.Time        `json:"date"`
	BodyPreview string           `json:"body_preview"`
	Body        string           `json:"body,omitempty"`
	SizeBytes   int64            `json:"size_bytes"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`

	// Folder is the partition the item currently belongs to.
	Folder string `json:"folder"`

	Flags   Flags   `json:"flags"`
	Quality Quality `json:"quality,omitempty"`
}

// ItemID builds the local identifier for a remote item.
func ItemID(folder, subjectID string) string {
	return folder + ":" + subjectID
}

// Clone returns a deep copy of the item.
func (m MailItem) Clone() MailItem {
	c := m
	if m.To != nil {
		c.To = append([]string(nil), m.To...)
	}
	if m.Cc != nil {
		c.Cc = append([]string(nil), m.Cc...)
	}
	if m.Attachments != nil {
		c.Attachments = append([]AttachmentMeta(nil), m.Attachments...)
	}
	return c
}

// CompareSubjectIDs orders subject ids. Decimal ids (IMAP UIDs) compare
// numerically; anything else compares lexicographically. The empty id sorts
// first.
func CompareSubjectIDs(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

// MaxSubjectID returns the greatest subject id among items, or "" when
// there are none.
func MaxSubjectID(items []MailItem) string {
	maxID := ""
	for i := range items {
		if CompareSubjectIDs(items[i].SubjectID, maxID) > 0 {
			maxID = items[i].SubjectID
		}
	}
	return maxID
}

// ItemPatch is a partial update applied to a stored item. Nil fields are
// left untouched.
type ItemPatch struct {
	Read     *bool   `json:"read,omitempty"`
	Flagged  *bool   `json:"flagged,omitempty"`
	Answered *bool   `json:"answered,omitempty"`
	Draft    *bool   `json:"draft,omitempty"`
	Deleted  *bool   `json:"deleted,omitempty"`
	Folder   *string `json:"folder,omitempty"`

	// Remove drops the item from the snapshot entirely.
	Remove bool `json:"remove,omitempty"`
}

// Apply patches the item in place. It reports false when the patch removes
// the item.
func (p ItemPatch) Apply(item *MailItem) bool {
	if p.Remove {
		return false
	}
	if p.Read != nil {
		item.Flags.Read = *p.Read
	}
	if p.Flagged != nil {
		item.Flags.Flagged = *p.Flagged
	}
	if p.Answered != nil {
		item.Flags.Answered = *p.Answered
	}
	if p.Draft != nil {
		item.Flags.Draft = *p.Draft
	}
	if p.Deleted != nil {
		item.Flags.Deleted = *p.Deleted
	}
	if p.Folder != nil {
		item.Folder = *p.Folder
	}
	return true
}
