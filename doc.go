// Package sealbox is a client-side persistent store for
// security-sensitive session state: inbound/outbound session material,
// device and identity records, pending secret requests.
//
// The store is a single local file (bbolt) holding a set of named
// tables, some with secondary indexes. An optional 32-byte secret turns
// on confidentiality at rest: physical record keys become keyed hashes
// of the logical keys and record payloads are encrypted with
// AES-256-GCM.
//
// # Opening a store
//
//	codec, err := sealbox.NewCodec(secret) // secret may be nil
//	if err != nil {
//	    return err
//	}
//	store, err := sealbox.Open(ctx, "/path/to/store.db", codec)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Open is also the migration engine. The on-disk schema carries a
// version number, and Open brings a store at any prior version forward
// step by step: structural table/index changes run synchronously inside
// versioned upgrade transactions, and bulk data reshaping (which needs
// the codec) runs as separate atomic batches between them. The version
// number is the only persisted progress marker, so an interrupted
// upgrade simply resumes on the next Open — every bulk phase either
// rolls back atomically or is idempotent to re-run.
//
// # Observability
//
// Pass a logger and metrics collector through options:
//
//	logger, _ := sealbox.NewProductionZapLogger()
//	store, err := sealbox.Open(ctx, path, codec,
//	    sealbox.WithLogger(logger),
//	    sealbox.WithMetrics(sealbox.NewPrometheusMetrics(nil)))
//
// Both default to no-ops.
//
// # Error handling
//
// Failures surface as sentinel errors (ErrNotFound, ErrDecodeFailed,
// ErrEngineFault, ...) optionally wrapped with context; use errors.Is or
// the Is* helpers. A record that cannot be decoded during a migration
// aborts the whole open and leaves the store at its prior version —
// session material is never silently dropped.
//
// The store is single-writer: one open handle per file per process. The
// underlying engine's file lock enforces this across processes.
package sealbox
