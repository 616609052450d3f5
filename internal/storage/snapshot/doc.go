// Package snapshot stores materialized mailbox views on top of the embedded
// KV engine.
//
// Each snapshot is one record under snap/<partition hash>/<snapshot id>:
//
//	[magic:4 "MSNP"]
//	[HeaderLen:4][HeaderJSON:HeaderLen]
//	[DataLen:4][Data:DataLen]   (JSON items, or sealed bytes)
//	[checksum:32 SHA-256 of all bytes above]
//
// The header carries everything List and Count need, so they never decode
// item data. The active snapshot of a partition is addressed by the pointer
// under act/<partition hash>; the pointer and the active flags of both the
// old and the new snapshot change in one transaction.
//
// Recovery: when the pointer is missing or its record fails verification,
// LoadActive falls back to the newest inactive snapshot that verifies and
// reports it as stale so the next sync rebuilds an active one.
package snapshot
