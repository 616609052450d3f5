package eventlog

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

// Frame layout: [Length:4][CRC32:4][Type:1][JSON payload]. Length covers
// CRC, type and payload. The sequence is carried by the key, not the frame.
const (
	headerSize   = 8
	minFrameSize = headerSize + 1
)

// Codec errors.
var (
	ErrCorruptedFrame   = errors.New("eventlog: corrupted frame")
	ErrChecksumMismatch = errors.New("eventlog: checksum mismatch")
	ErrInvalidEventType = errors.New("eventlog: invalid event type")
)

type wireEvent struct {
	Timestamp int64           `json:"ts"`
	SubjectID string          `json:"sid"`
	Partition string          `json:"part"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Sealed is base64 of adaptive.Cipher.Seal(payload) keyed to the
	// event key.
	Sealed string `json:"sealed,omitempty"`
}

func encodeFrame(key []byte, ev domain.Event, cipher adaptive.Cipher) ([]byte, error) {
	t := ev.Type()
	if !t.Valid() {
		return nil, ErrInvalidEventType
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal payload: %w", err)
	}

	w := wireEvent{
		Timestamp: ev.Timestamp.UnixMilli(),
		SubjectID: ev.SubjectID,
		Partition: ev.Partition,
	}
	if cipher == nil {
		w.Payload = payload
	} else {
		sealed, err := cipher.Seal(payload, key)
		if err != nil {
			return nil, fmt.Errorf("eventlog: seal payload: %w", err)
		}
		w.Sealed = base64.StdEncoding.EncodeToString(sealed)
	}

	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal frame: %w", err)
	}

	length := uint32(4 + 1 + len(body))
	out := make([]byte, 4+int(length))
	binary.BigEndian.PutUint32(out[0:4], length)
	out[8] = byte(t)
	copy(out[9:], body)
	binary.BigEndian.PutUint32(out[4:8], crc32.ChecksumIEEE(out[8:]))
	return out, nil
}

// frameType returns the event type of a frame without decoding the body.
func frameType(frame []byte) (domain.EventType, error) {
	if len(frame) < minFrameSize {
		return 0, ErrCorruptedFrame
	}
	t := domain.EventType(frame[8])
	if !t.Valid() {
		return 0, ErrInvalidEventType
	}
	return t, nil
}

func decodeFrame(key []byte, seq uint64, frame []byte, cipher adaptive.Cipher) (domain.Event, error) {
	if len(frame) < minFrameSize {
		return domain.Event{}, ErrCorruptedFrame
	}
	if int(binary.BigEndian.Uint32(frame[0:4])) != len(frame)-4 {
		return domain.Event{}, ErrCorruptedFrame
	}
	if crc32.ChecksumIEEE(frame[8:]) != binary.BigEndian.Uint32(frame[4:8]) {
		return domain.Event{}, ErrChecksumMismatch
	}
	t, err := frameType(frame)
	if err != nil {
		return domain.Event{}, err
	}

	var w wireEvent
	if err := json.Unmarshal(frame[9:], &w); err != nil {
		return domain.Event{}, fmt.Errorf("eventlog: unmarshal frame: %w", err)
	}

	payload := []byte(w.Payload)
	if w.Sealed != "" {
		if cipher == nil {
			return domain.Event{}, fmt.Errorf("eventlog: sealed event %d requires a cipher", seq)
		}
		sealed, err := base64.StdEncoding.DecodeString(w.Sealed)
		if err != nil {
			return domain.Event{}, fmt.Errorf("eventlog: decode sealed payload: %w", err)
		}
		if payload, err = cipher.Open(sealed, key); err != nil {
			return domain.Event{}, fmt.Errorf("eventlog: open sealed payload: %w", err)
		}
	}

	p, err := domain.DecodePayload(t, payload)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		Sequence:  seq,
		SubjectID: w.SubjectID,
		Partition: w.Partition,
		Timestamp: time.UnixMilli(w.Timestamp).UTC(),
		Payload:   p,
	}, nil
}
