// Package storeerr defines the closed error-kind vocabulary every
// component in this module returns errors from, per spec.md §7.
package storeerr

import "errors"

// Kind is a closed taxonomy of error outcomes. Callers branch on Kind,
// not on error strings.
type Kind int

const (
	// KindUnexpected is the default for engine errors with no explicit
	// mapping; treated as an unexpected warning, never a fatal fault.
	KindUnexpected Kind = iota

	// Role-related lifecycle rejections.
	KindNotPrimary
	KindReconfigurationPending
	KindObjectClosed

	// Read/write lookup outcomes.
	KindRecordNotFound
	KindRecordAlreadyExists

	// Optimistic-concurrency and snapshot conflicts.
	KindSequenceCheckFailed
	KindWriteConflict

	KindStoreOperationCanceled
	KindStoreTransactionNotActive
	KindStoreTransactionTooLarge

	KindKeyTooLarge
	KindPathTooLong

	KindStoreInUse
	KindNeedsDefragment
	KindStoreFatal
	KindDatabaseFilesCorrupted

	KindBackupInProgress
	KindMaxFileStreamFullCopyWaiters

	KindOOM
	KindTimeout

	KindMultithreadedTx
	KindInvalidState
)

var kindNames = map[Kind]string{
	KindUnexpected:                   "unexpected",
	KindNotPrimary:                   "not_primary",
	KindReconfigurationPending:       "reconfiguration_pending",
	KindObjectClosed:                 "object_closed",
	KindRecordNotFound:               "record_not_found",
	KindRecordAlreadyExists:          "record_already_exists",
	KindSequenceCheckFailed:          "sequence_check_failed",
	KindWriteConflict:                "write_conflict",
	KindStoreOperationCanceled:       "store_operation_canceled",
	KindStoreTransactionNotActive:    "store_transaction_not_active",
	KindStoreTransactionTooLarge:     "store_transaction_too_large",
	KindKeyTooLarge:                  "key_too_large",
	KindPathTooLong:                  "path_too_long",
	KindStoreInUse:                   "store_in_use",
	KindNeedsDefragment:              "needs_defragment",
	KindStoreFatal:                   "store_fatal",
	KindDatabaseFilesCorrupted:       "database_files_corrupted",
	KindBackupInProgress:             "backup_in_progress",
	KindMaxFileStreamFullCopyWaiters: "max_file_stream_full_copy_waiters",
	KindOOM:                          "oom",
	KindTimeout:                      "timeout",
	KindMultithreadedTx:              "multithreaded_tx_not_supported",
	KindInvalidState:                 "invalid_state",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unexpected"
}

// Error wraps a Kind with an optional underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind) *Error { return &Error{Kind: kind} }

func Wrap(kind Kind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnexpected if err does not
// carry one.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if err == nil {
		return KindUnexpected
	}
	return KindUnexpected
}

// Retryable reports whether a secondary-pump apply error should be
// retried after a bounded back-off rather than treated as terminal
// (§7 "Propagation policy").
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindOOM, KindWriteConflict, KindStoreInUse:
		return true
	default:
		return false
	}
}

// Terminal reports whether a secondary-pump apply error must fault the
// stream and request a host restart.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindDatabaseFilesCorrupted, KindStoreFatal:
		return true
	default:
		return false
	}
}
