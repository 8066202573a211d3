/*
Package localstore is the Local Store of spec.md §4.B: a single
bucket-backed (type,key)->row table over pkg/engine, with a secondary
LSN-ordered index bucket, tombstone/low-watermark bookkeeping, and the
epoch-history/progress-vector rows pkg/replicatedstore uses for
recovery.

Every exported function takes the caller's already-open *bolt.Tx
(obtained from an engine.Txn via Txn.Bolt) rather than managing its own
transaction — localstore has no transaction lifecycle of its own, only
schema and row semantics.
*/
package localstore
