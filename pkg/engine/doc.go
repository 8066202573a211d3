/*
Package engine is the Engine Adapter: it wraps go.etcd.io/bbolt behind
the same instance-registry / session-pool / lazy-commit shape the
replicated store expects of its embedded database.

bbolt's Tx.Commit is always synchronous and durable, unlike the
original ESE-based engine's asynchronous lazy-commit grbit. Instance
emulates the observable batching behavior with a commitBatcher: the
bbolt commit happens immediately and durably, but callers waiting on
CommitDurableBarrier are only released when the batcher's periodic
tick (or an explicit ForEachCommitCompleted-style drain) passes their
commit id. See DESIGN.md's Open Question decision #2.

Sessions are bound to a caller-supplied Token rather than an OS thread
id — Go has no stable thread identity to key re-entrancy checks off —
but the single-owner-at-a-time discipline from §4.A is preserved.
*/
package engine
