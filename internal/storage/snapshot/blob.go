package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

var magicBytes = []byte("MSNP")

const (
	checksumSize  = 32
	headerVersion = 1
)

// Blob errors.
var (
	ErrInvalidMagic     = errors.New("snapshot: invalid magic bytes")
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	ErrTruncated        = errors.New("snapshot: truncated record")
)

type header struct {
	Version          int    `json:"version"`
	ID               string `json:"id"`
	PartitionKey     string `json:"partition_key"`
	Kind             string `json:"kind"`
	ItemCount        int    `json:"item_count"`
	BoundaryID       string `json:"boundary_id"`
	BoundarySequence uint64 `json:"boundary_sequence"`
	CreatedAt        int64  `json:"created_at"`
	Active           bool   `json:"active"`
	Stale            bool   `json:"stale"`
	Degraded         bool   `json:"degraded"`
	Encrypted        bool   `json:"encrypted"`
}

func headerOf(s *domain.Snapshot) header {
	return header{
		Version:          headerVersion,
		ID:               s.ID,
		PartitionKey:     s.PartitionKey,
		Kind:             string(s.Kind),
		ItemCount:        s.ItemCount,
		BoundaryID:       s.BoundaryID,
		BoundarySequence: s.BoundarySequence,
		CreatedAt:        s.CreatedAt.UnixMilli(),
		Active:           s.Active,
		Stale:            s.Stale,
		Degraded:         s.Degraded,
	}
}

func (h header) snapshot() domain.Snapshot {
	return domain.Snapshot{
		ID:               h.ID,
		PartitionKey:     h.PartitionKey,
		Kind:             domain.SnapshotKind(h.Kind),
		ItemCount:        h.ItemCount,
		BoundaryID:       h.BoundaryID,
		BoundarySequence: h.BoundarySequence,
		CreatedAt:        time.UnixMilli(h.CreatedAt).UTC(),
		Active:           h.Active,
		Stale:            h.Stale,
		Degraded:         h.Degraded,
	}
}

// marshalBlob frames a header and an already encoded data section.
func marshalBlob(h header, data []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(magicBytes) + 8 + len(hdr) + len(data) + checksumSize)
	buf.Write(magicBytes)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hdr)))
	buf.Write(lenBuf[:])
	buf.Write(hdr)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// readHeader decodes only the header. The checksum is not verified.
func readHeader(blob []byte) (header, int, error) {
	var h header
	if len(blob) < len(magicBytes)+4 {
		return h, 0, ErrTruncated
	}
	if !bytes.Equal(blob[:len(magicBytes)], magicBytes) {
		return h, 0, ErrInvalidMagic
	}
	off := len(magicBytes)
	n := int(binary.BigEndian.Uint32(blob[off:]))
	off += 4
	if n > len(blob)-off {
		return h, 0, ErrTruncated
	}
	if err := json.Unmarshal(blob[off:off+n], &h); err != nil {
		return h, 0, fmt.Errorf("snapshot: decode header: %w", err)
	}
	return h, off + n, nil
}

// unmarshalBlob verifies the checksum and splits the record.
func unmarshalBlob(blob []byte) (header, []byte, error) {
	if len(blob) < len(magicBytes)+8+checksumSize {
		return header{}, nil, ErrTruncated
	}
	body := blob[:len(blob)-checksumSize]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], blob[len(body):]) {
		return header{}, nil, ErrChecksumMismatch
	}

	h, off, err := readHeader(body)
	if err != nil {
		return header{}, nil, err
	}
	if len(body)-off < 4 {
		return header{}, nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint32(body[off:]))
	off += 4
	if n != len(body)-off {
		return header{}, nil, ErrTruncated
	}
	return h, body[off:], nil
}

// rewriteHeader changes header fields while keeping the data section as-is,
// so toggling flags never needs to open sealed data.
func rewriteHeader(blob []byte, fn func(*header)) ([]byte, error) {
	h, data, err := unmarshalBlob(blob)
	if err != nil {
		return nil, err
	}
	fn(&h)
	return marshalBlob(h, data)
}

// encodeData serializes items, sealing them when a cipher is set. The
// snapshot ID is bound as associated data.
func encodeData(items []domain.MailItem, id string, cipher adaptive.Cipher) ([]byte, bool, error) {
	if items == nil {
		items = []domain.MailItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: marshal items: %w", err)
	}
	if cipher == nil {
		return data, false, nil
	}
	sealed, err := cipher.Seal(data, []byte(id))
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: seal items: %w", err)
	}
	return sealed, true, nil
}

func decodeData(h header, data []byte, cipher adaptive.Cipher) ([]domain.MailItem, error) {
	if h.Encrypted {
		if cipher == nil {
			return nil, errors.New("snapshot: record is encrypted but no key is configured")
		}
		plain, err := cipher.Open(data, []byte(h.ID))
		if err != nil {
			return nil, fmt.Errorf("snapshot: open items: %w", err)
		}
		data = plain
	}
	var items []domain.MailItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("snapshot: decode items: %w", err)
	}
	return items, nil
}

func encodeSnapshot(s *domain.Snapshot, cipher adaptive.Cipher) ([]byte, error) {
	data, encrypted, err := encodeData(s.Items, s.ID, cipher)
	if err != nil {
		return nil, err
	}
	h := headerOf(s)
	h.Encrypted = encrypted
	return marshalBlob(h, data)
}

func decodeSnapshot(blob []byte, cipher adaptive.Cipher) (*domain.Snapshot, error) {
	h, data, err := unmarshalBlob(blob)
	if err != nil {
		return nil, err
	}
	items, err := decodeData(h, data, cipher)
	if err != nil {
		return nil, err
	}
	s := h.snapshot()
	s.Items = items
	return &s, nil
}
