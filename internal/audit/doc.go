// Package audit implements the append-only, tamper-evident audit ledger.
//
// # Chain
//
// Every appended [Event] receives a monotonically increasing sequence
// number, a ULID and the hash of its predecessor. The event hash is
// HMAC-SHA-256 over the canonical JSON encoding of the event when a chain
// secret is configured (the MAC key is derived with HKDF-SHA-512), and
// plain SHA-256 otherwise. [Ledger.Verify] recomputes the chain and
// reports the first broken link.
//
// # Failure semantics
//
// Append is fail-closed. When a sink cannot make the event durable the
// ledger returns an AuditWriteError and the chain head is not advanced.
// Callers must treat the operation being audited as failed.
//
// Appends are serialised by a single mutex, so one Ledger is one writer.
// Two processes writing to the same directory or table are not supported.
//
// # Sinks
//
//   - [FileSink]: one JSON Lines segment per UTC day, fsync per record,
//     optional ML-DSA-65 seal per segment.
//   - [MemorySink]: in-memory, for tests.
//   - [MultiSink]: fans out to several sinks; all must succeed.
//   - pgsink and kafkasink subpackages for PostgreSQL and Kafka.
//
// Events never contain message bodies, subjects, attachment content or key
// material. Attributes carry metadata only.
package audit
