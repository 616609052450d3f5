// Package safeenc makes untrusted mail text safe to persist.
//
// Every text field passes through up to four stages, stopping at the first
// that yields acceptable output:
//
//  1. verbatim: the text is kept as-is
//  2. normalized: legacy charsets decoded, NFC applied, invalid bytes replaced
//  3. stripped: markup removed, only printable characters kept, truncated
//  4. minimal: the whole item is reduced to identifiers and addresses
//
// Stages 1-3 operate per field; stage 4 replaces the item. The encoder never
// fails: the worst outcome is a minimal item flagged as degraded.
package safeenc

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// Placeholder replaces bodies that could not be kept.
const Placeholder = "[content unavailable]"

// Default limits.
const (
	DefaultMaxFieldBytes     = 1 << 20 // 1 MiB
	DefaultMaxPreviewBytes   = 512
	DefaultMaxReplaceRatio   = 0.3
	DefaultMinRetainRatio    = 0.5
	DefaultMaxItemBytes      = 4 << 20 // 4 MiB
	minRetainCheckRuneLength = 16
)

// Options configures the encoder limits.
type Options struct {
	// MaxFieldBytes bounds any single text field.
	MaxFieldBytes int

	// MaxPreviewBytes bounds BodyPreview.
	MaxPreviewBytes int

	// MaxReplaceRatio is the largest share of U+FFFD runes a field may
	// contain and still be accepted.
	MaxReplaceRatio float64

	// MinRetainRatio is the smallest share of runes stage 3 must keep for
	// the field to count as readable.
	MinRetainRatio float64

	// MaxItemBytes bounds the summed text size of an item.
	MaxItemBytes int
}

// DefaultOptions returns the default encoder limits.
func DefaultOptions() Options {
	return Options{
		MaxFieldBytes:   DefaultMaxFieldBytes,
		MaxPreviewBytes: DefaultMaxPreviewBytes,
		MaxReplaceRatio: DefaultMaxReplaceRatio,
		MinRetainRatio:  DefaultMinRetainRatio,
		MaxItemBytes:    DefaultMaxItemBytes,
	}
}

// Observer receives the stage chosen for every encoded item.
type Observer func(stage domain.Quality)

// Encoder applies the staged fallback to mail items.
type Encoder struct {
	opts     Options
	observer Observer
}

// New creates an encoder. Zero-valued limits fall back to defaults.
func New(opts Options) *Encoder {
	def := DefaultOptions()
	if opts.MaxFieldBytes <= 0 {
		opts.MaxFieldBytes = def.MaxFieldBytes
	}
	if opts.MaxPreviewBytes <= 0 {
		opts.MaxPreviewBytes = def.MaxPreviewBytes
	}
	if opts.MaxReplaceRatio <= 0 {
		opts.MaxReplaceRatio = def.MaxReplaceRatio
	}
	if opts.MinRetainRatio <= 0 {
		opts.MinRetainRatio = def.MinRetainRatio
	}
	if opts.MaxItemBytes <= 0 {
		opts.MaxItemBytes = def.MaxItemBytes
	}
	return &Encoder{opts: opts}
}

// SetObserver installs a callback invoked once per encoded item.
func (e *Encoder) SetObserver(o Observer) {
	e.observer = o
}

// Text encodes one field through stages 1-3. ok is false when even the
// stripped form kept too little of the input to be meaningful.
func (e *Encoder) Text(s string) (out string, stage domain.Quality, ok bool) {
	return e.text(s, e.opts.MaxFieldBytes)
}

func (e *Encoder) text(s string, limit int) (string, domain.Quality, bool) {
	if e.acceptable(s, limit) {
		return s, domain.QualityVerbatim, true
	}

	normalized := normalize(s)
	if e.acceptable(normalized, limit) {
		return normalized, domain.QualityNormalized, true
	}

	stripped := truncate(strip(normalized), limit)
	return stripped, domain.QualityStripped, e.retained(s, stripped)
}

// acceptable is the stage-1 validation rule set.
func (e *Encoder) acceptable(s string, limit int) bool {
	if len(s) > limit || !utf8.ValidString(s) {
		return false
	}
	var total, replaced int
	for _, r := range s {
		total++
		if r == utf8.RuneError {
			replaced++
			continue
		}
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	if total == 0 {
		return true
	}
	return float64(replaced)/float64(total) <= e.opts.MaxReplaceRatio
}

func (e *Encoder) retained(original, stripped string) bool {
	in := utf8.RuneCountInString(original)
	if in < minRetainCheckRuneLength {
		return true
	}
	out := utf8.RuneCountInString(stripped)
	return float64(out)/float64(in) >= e.opts.MinRetainRatio
}

// Item encodes every text field of an item and returns the encoded copy
// with its Quality set.
func (e *Encoder) Item(item domain.MailItem) domain.MailItem {
	out := item.Clone()
	quality := domain.QualityVerbatim
	readable := true

	field := func(s string, limit int) string {
		v, stage, ok := e.text(s, limit)
		if stage > quality {
			quality = stage
		}
		if !ok {
			readable = false
		}
		return v
	}

	out.ID = field(item.ID, e.opts.MaxFieldBytes)
	out.SubjectID = field(item.SubjectID, e.opts.MaxFieldBytes)
	out.Folder = field(item.Folder, e.opts.MaxFieldBytes)
	out.Subject = field(item.Subject, e.opts.MaxFieldBytes)
	out.From = field(item.From, e.opts.MaxFieldBytes)
	for i := range out.To {
		out.To[i] = field(out.To[i], e.opts.MaxFieldBytes)
	}
	for i := range out.Cc {
		out.Cc[i] = field(out.Cc[i], e.opts.MaxFieldBytes)
	}
	out.BodyPreview = field(item.BodyPreview, e.opts.MaxPreviewBytes)
	out.Body = field(item.Body, e.opts.MaxFieldBytes)
	for i := range out.Attachments {
		out.Attachments[i].Filename = field(out.Attachments[i].Filename, e.opts.MaxFieldBytes)
		out.Attachments[i].ContentType = field(out.Attachments[i].ContentType, e.opts.MaxFieldBytes)
	}

	if !readable || textSize(out) > e.opts.MaxItemBytes {
		out = e.minimal(item)
		quality = domain.QualityMinimal
	}

	out.Quality = quality
	if e.observer != nil {
		e.observer(quality)
	}
	return out
}

// Items encodes a slice of items. degraded reports whether any item lost
// content.
func (e *Encoder) Items(items []domain.MailItem) (out []domain.MailItem, degraded bool) {
	out = make([]domain.MailItem, len(items))
	for i := range items {
		out[i] = e.Item(items[i])
		if out[i].Quality.Degraded() {
			degraded = true
		}
	}
	return out, degraded
}

// minimal keeps identifiers, addresses, and metadata that cannot carry
// malformed text.
func (e *Encoder) minimal(item domain.MailItem) domain.MailItem {
	return domain.MailItem{
		ID:          safeIdentifier(item.ID),
		SubjectID:   safeIdentifier(item.SubjectID),
		Folder:      safeIdentifier(item.Folder),
		From:        safeAddress(item.From),
		To:          safeAddresses(item.To),
		Cc:          safeAddresses(item.Cc),
		Date:        item.Date,
		BodyPreview: Placeholder,
		Body:        Placeholder,
		SizeBytes:   item.SizeBytes,
		Flags:       item.Flags,
	}
}

func textSize(m domain.MailItem) int {
	n := len(m.ID) + len(m.SubjectID) + len(m.Folder) + len(m.Subject) + len(m.From) + len(m.BodyPreview) + len(m.Body)
	for _, s := range m.To {
		n += len(s)
	}
	for _, s := range m.Cc {
		n += len(s)
	}
	for _, a := range m.Attachments {
		n += len(a.Filename) + len(a.ContentType)
	}
	return n
}

func safeIdentifier(s string) string {
	return strings.Map(func(r rune) rune {
		if r < utf8.RuneSelf && unicode.IsPrint(r) {
			return r
		}
		return -1
	}, strings.ToValidUTF8(s, ""))
}

func safeAddresses(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if a := safeAddress(s); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// safeAddress keeps the bare address part, restricted to ASCII.
func safeAddress(s string) string {
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("@.-_+", r):
			return r
		}
		return -1
	}, s)
}
