package imapsource

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/internal/storage/safeenc"
)

var imapFlags = map[domain.Flag]imap.Flag{
	domain.FlagRead:     imap.FlagSeen,
	domain.FlagFlagged:  imap.FlagFlagged,
	domain.FlagAnswered: imap.FlagAnswered,
	domain.FlagDraft:    imap.FlagDraft,
	domain.FlagDeleted:  imap.FlagDeleted,
}

// fetched is the subset of a FETCH response the item is built from.
type fetched struct {
	UID        imap.UID
	Flags      []imap.Flag
	Envelope   *imap.Envelope
	Size       int64
	Raw        []byte
	PreviewLen int
}

// toItem converts a fetched message. Text is copied as received; the
// storage layer is responsible for making it safe.
func toItem(folder string, f fetched) domain.MailItem {
	sid := strconv.FormatUint(uint64(f.UID), 10)
	item := domain.MailItem{
		ID:        domain.ItemID(folder, sid),
		SubjectID: sid,
		Folder:    folder,
		SizeBytes: f.Size,
	}

	if env := f.Envelope; env != nil {
		item.Subject = env.Subject
		item.Date = env.Date.UTC()
		if len(env.From) > 0 {
			item.From = formatAddress(env.From[0])
		}
		for _, a := range env.To {
			item.To = append(item.To, formatAddress(a))
		}
		for _, a := range env.Cc {
			item.Cc = append(item.Cc, formatAddress(a))
		}
	}

	for _, flag := range f.Flags {
		switch flag {
		case imap.FlagSeen:
			item.Flags.Read = true
		case imap.FlagFlagged:
			item.Flags.Flagged = true
		case imap.FlagAnswered:
			item.Flags.Answered = true
		case imap.FlagDraft:
			item.Flags.Draft = true
		case imap.FlagDeleted:
			item.Flags.Deleted = true
		}
	}

	if f.Raw != nil {
		text, html, attachments := parseBody(f.Raw)
		item.Body = text
		if item.Body == "" {
			item.Body = html
		}
		item.Attachments = attachments
		item.BodyPreview = preview(text, f.PreviewLen)
		if item.BodyPreview == "" && html != "" {
			item.BodyPreview = preview(safeenc.PlainText(html), f.PreviewLen)
		}
	}
	return item
}

func formatAddress(a imap.Address) string {
	addr := a.Addr()
	if a.Name == "" {
		return addr
	}
	return a.Name + " <" + addr + ">"
}

// parseBody extracts the text/plain and text/html bodies and attachment
// metadata. A body that is not valid MIME is returned as plain text.
func parseBody(raw []byte) (text, html string, attachments []domain.AttachmentMeta) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF ends the message; anything else is a truncated or
			// malformed part and keeps what was read so far.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil && len(body) == 0 {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && text == "":
				text = string(body)
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			attachments = append(attachments, domain.AttachmentMeta{
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   n,
			})
		}
	}
	return text, html, attachments
}

// preview returns the first n runes of s with whitespace collapsed.
func preview(s string, n int) string {
	var b strings.Builder
	count := 0
	space := false
	for _, r := range s {
		if count >= n {
			break
		}
		if r == utf8.RuneError {
			continue
		}
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			count++
			space = false
			if count >= n {
				break
			}
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
