package safeenc

import (
	"strings"
	"testing"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

func TestEncoder_TextStages(t *testing.T) {
	enc := New(Options{MaxFieldBytes: 64})

	tests := []struct {
		name      string
		in        string
		want      string
		wantStage domain.Quality
	}{
		{"plain ascii", "Quarterly report", "Quarterly report", domain.QualityVerbatim},
		{"unicode kept", "Grüße aus Köln", "Grüße aus Köln", domain.QualityVerbatim},
		{"tabs and newlines kept", "a\tb\r\nc", "a\tb\r\nc", domain.QualityVerbatim},
		{"latin1 decoded", "caf\xe9", "café", domain.QualityNormalized},
		{"invalid byte substituted", "héllo\xff", "héllo\uFFFD", domain.QualityNormalized},
		{"nfc applied", "e\u0301tude\xff", "\u00e9tude\uFFFD", domain.QualityNormalized},
		{"control stripped", "bell\x07 ring", "bell ring", domain.QualityStripped},
		{"markup stripped", "<b>Hi</b>\x01", "Hi", domain.QualityStripped},
		{"replacement heavy", "\uFFFD\uFFFD\uFFFDa", "a", domain.QualityStripped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, stage, ok := enc.Text(tt.in)
			if got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if stage != tt.wantStage {
				t.Errorf("Text(%q) stage = %d, want %d", tt.in, stage, tt.wantStage)
			}
			if !ok {
				t.Errorf("Text(%q) ok = false", tt.in)
			}
		})
	}
}

func TestEncoder_TextTruncates(t *testing.T) {
	enc := New(Options{MaxFieldBytes: 8})

	got, stage, _ := enc.Text("abcdefghij")
	if got != "abcdefgh" || stage != domain.QualityStripped {
		t.Errorf("Text() = %q stage %d, want %q stage 3", got, stage, "abcdefgh")
	}

	got, _, _ = enc.Text("ääääää")
	if len(got) > 8 || !strings.HasPrefix("ääääää", got) {
		t.Errorf("Text() cut inside a rune: %q", got)
	}
}

func TestEncoder_TextScriptSkipped(t *testing.T) {
	enc := New(Options{})

	got := strip("<p>one</p><script>alert(1)</script><style>p{}</style>two")
	if got != "\nonetwo" {
		t.Errorf("strip() = %q", got)
	}
	if _, stage, _ := enc.Text("<div>\x00</div>"); stage != domain.QualityStripped {
		t.Errorf("stage = %d, want stripped", stage)
	}
}

func TestEncoder_ItemMinimal(t *testing.T) {
	enc := New(Options{})
	garbage := strings.Repeat("\x01\x02\x03", 20) + "ok"

	item := domain.MailItem{
		ID:          "INBOX:7",
		SubjectID:   "7",
		Folder:      "INBOX",
		Subject:     garbage,
		From:        "Zoë <zoe@example.com>",
		To:          []string{"Bob <bob@example.com>", "\x00"},
		Body:        garbage,
		BodyPreview: "preview",
		Date:        time.Unix(1700000000, 0).UTC(),
		SizeBytes:   2048,
		Attachments: []domain.AttachmentMeta{{Filename: "a.pdf"}},
		Flags:       domain.Flags{Read: true},
	}

	got := enc.Item(item)
	if got.Quality != domain.QualityMinimal {
		t.Fatalf("Quality = %d, want minimal", got.Quality)
	}
	if got.Body != Placeholder || got.BodyPreview != Placeholder {
		t.Errorf("body not replaced: %q / %q", got.Body, got.BodyPreview)
	}
	if got.Subject != "" || got.Attachments != nil {
		t.Errorf("minimal item kept content: %+v", got)
	}
	if got.From != "zoe@example.com" {
		t.Errorf("From = %q", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "bob@example.com" {
		t.Errorf("To = %v", got.To)
	}
	if got.SubjectID != "7" || !got.Flags.Read || got.SizeBytes != 2048 || !got.Date.Equal(item.Date) {
		t.Errorf("identity fields lost: %+v", got)
	}
}

func TestEncoder_ItemSizeLimit(t *testing.T) {
	enc := New(Options{MaxItemBytes: 32})

	got := enc.Item(domain.MailItem{SubjectID: "1", Body: strings.Repeat("x", 64)})
	if got.Quality != domain.QualityMinimal {
		t.Errorf("Quality = %d, want minimal for oversized item", got.Quality)
	}
}

func TestEncoder_ItemsDegraded(t *testing.T) {
	enc := New(Options{})
	var seen []domain.Quality
	enc.SetObserver(func(q domain.Quality) { seen = append(seen, q) })

	items := []domain.MailItem{
		{SubjectID: "1", Subject: "fine"},
		{SubjectID: "2", Subject: "caf\xe9"},
	}
	out, degraded := enc.Items(items)
	if degraded {
		t.Error("normalized content should not count as degraded")
	}
	if out[1].Subject != "café" || out[1].Quality != domain.QualityNormalized {
		t.Errorf("item 2 = %+v", out[1])
	}
	if items[1].Subject != "caf\xe9" {
		t.Error("Items must not modify the input")
	}

	_, degraded = enc.Items([]domain.MailItem{{SubjectID: "3", Subject: "<i>x</i>\x07"}})
	if !degraded {
		t.Error("stripped content should count as degraded")
	}
	if len(seen) != 3 {
		t.Errorf("observer called %d times, want 3", len(seen))
	}
}
