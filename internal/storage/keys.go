package storage

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/spaolacci/murmur3"
)

// Key prefixes. Folder names may contain any byte (including '/'), so
// partitions are addressed by a fixed-width hash and the full name is kept
// inside the stored record.
var (
	PrefixEvent    = []byte("ev/")
	PrefixSnapshot = []byte("snap/")
	PrefixActive   = []byte("act/")
	KeySequence    = []byte("meta/seq")
)

// EventKey returns the key of the event with the given sequence. Big-endian
// encoding keeps keys in sequence order.
func EventKey(seq uint64) []byte {
	key := make([]byte, len(PrefixEvent)+8)
	copy(key, PrefixEvent)
	binary.BigEndian.PutUint64(key[len(PrefixEvent):], seq)
	return key
}

// EventSequence decodes the sequence from an event key.
func EventSequence(key []byte) (uint64, bool) {
	if len(key) != len(PrefixEvent)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(PrefixEvent):]), true
}

// PartitionHash returns the fixed-width key component for a partition.
func PartitionHash(partition string) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], murmur3.Sum64([]byte(partition)))
	return hex.EncodeToString(b[:])
}

// SnapshotPrefix returns the prefix of every snapshot of a partition.
func SnapshotPrefix(partition string) []byte {
	return append(append([]byte(nil), PrefixSnapshot...), PartitionHash(partition)+"/"...)
}

// SnapshotKey returns the key of one snapshot. Snapshot IDs are ULID based,
// so keys under a partition prefix sort by creation time.
func SnapshotKey(partition, id string) []byte {
	return append(SnapshotPrefix(partition), id...)
}

// ActiveKey returns the key holding the partition's active snapshot ID.
func ActiveKey(partition string) []byte {
	return append(append([]byte(nil), PrefixActive...), PartitionHash(partition)...)
}

// EncodeUint64 encodes a counter value.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 decodes a counter value; short input decodes as zero.
func DecodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
