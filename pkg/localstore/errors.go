package localstore

import "github.com/cuemby/kvstore/internal/storeerr"

// IsAlreadyExists reports whether err is record_already_exists.
func IsAlreadyExists(err error) bool { return storeerr.Is(err, storeerr.KindRecordAlreadyExists) }

// IsNotFound reports whether err is record_not_found.
func IsNotFound(err error) bool { return storeerr.Is(err, storeerr.KindRecordNotFound) }

// IsSequenceCheckFailed reports whether err is sequence_check_failed.
func IsSequenceCheckFailed(err error) bool {
	return storeerr.Is(err, storeerr.KindSequenceCheckFailed)
}

// IsInvalidState reports whether err is invalid_state.
func IsInvalidState(err error) bool { return storeerr.Is(err, storeerr.KindInvalidState) }
