package admission

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeRunNotFound       = "RUN_NOT_FOUND"
	ErrCodeWriteConflict     = "RUN_WRITE_CONFLICT"
	ErrCodeInvalidRun        = "RUN_INVALID"
	ErrCodeUnknownPolicyType = "POLICY_TYPE_UNKNOWN"
	ErrCodeInvalidPolicy     = "POLICY_INVALID"
	ErrCodeLockUnavailable   = "LOCK_UNAVAILABLE"
	ErrCodeLockNotHeld       = "LOCK_NOT_HELD"
	ErrCodeQueueStorage      = "QUEUE_STORAGE"
	ErrCodeStoreStorage      = "STORE_STORAGE"
	ErrCodeTransportSubmit   = "TRANSPORT_SUBMIT"
	ErrCodeInvalidConfig     = "CONFIG_INVALID"
)

var (
	ErrRunNotFound = apperrors.New("run not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeRunNotFound)
	ErrWriteConflict = apperrors.New("run revision conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeWriteConflict)
	ErrInvalidRun = apperrors.New("invalid run", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidRun)
	ErrUnknownPolicyType = apperrors.New("unknown policy type", apperrors.CategoryValidation).
				WithTextCode(ErrCodeUnknownPolicyType)
	ErrInvalidPolicy = apperrors.New("invalid policy", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidPolicy)
	ErrLockUnavailable = apperrors.New("lock unavailable", apperrors.CategoryExternal).
				WithTextCode(ErrCodeLockUnavailable)
	ErrLockNotHeld = apperrors.New("lock not held", apperrors.CategoryConflict).
			WithTextCode(ErrCodeLockNotHeld)
	ErrQueueStorage = apperrors.New("execution queue storage failure", apperrors.CategoryExternal).
			WithTextCode(ErrCodeQueueStorage)
	ErrStoreStorage = apperrors.New("run store storage failure", apperrors.CategoryExternal).
			WithTextCode(ErrCodeStoreStorage)
	ErrTransportSubmit = apperrors.New("runner dispatch failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeTransportSubmit)
	ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfig)
)

// NewError clones one of the package sentinels, attaching a message, a source
// error and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	return cloneError(base, message, source, metadata)
}

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidRun
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the outermost go-errors value in the
// chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether any go-errors value in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var ge *apperrors.Error
		if !stderrors.As(err, &ge) {
			return false
		}
		if ge.TextCode == code {
			return true
		}
		err = ge.Source
	}
	return false
}

func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeRunNotFound)
}

func IsWriteConflict(err error) bool {
	return HasCode(err, ErrCodeWriteConflict)
}
