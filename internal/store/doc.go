// Package store provides range-addressed storage for fixed-radix record
// groups produced by the codec package.
//
// Backends:
//   - MemoryStore: one byte slice, for tests and small games
//   - FileStore: header plus groups in one file, positioned I/O
//   - ArchiveStore: read-only snapshot, zstd or lz4 entries with BLAKE3 sums
//   - CompositeStore: consecutive record ranges of other stores presented
//     as one, with groups straddling a shard boundary spliced across both
//
// All backends share global byte addressing: the group holding record i is
// at Params.ToByte(i) regardless of which store or shard holds it. Record
// level helpers (GetRecord, PutRecord, ReadRecords, WriteRecords, Fill,
// FillRecords) are written against the Store interface.
package store
