package errors

import (
	"github.com/cockroachdb/errors"
)

// Code is one of the reply codes exchanged over the wire protocol.
type Code uint32

const (
	CodeOK               Code = 0x0000
	CodeNotMaster        Code = 0x0102
	CodeIllegalParams    Code = 0x0202
	CodeReadOnly         Code = 0x0401
	CodeMemoryIssue      Code = 0x0701
	CodeDuplicate        Code = 0x2002
	CodeNotFound         Code = 0x3102
	CodeIndexViolation   Code = 0x3802
)

type codeKey struct{}

// Wrap decorates err with a protocol-level reply code, preserving the
// original error (and its message/%w chain) for logging while giving the
// protocol layer a code it can recover without a type switch over every
// concrete error the engine defines.
func Wrap(err error, code Code) error {
	if err == nil {
		return nil
	}
	return errors.WithDetail(errors.Mark(err, codeMarker(code)), codeDetail(code))
}

// CodeOf extracts the reply code decorated by Wrap, defaulting to a
// catch-all "illegal params" for errors that were never classified —
// matching the teacher's own errors, which are classified case-by-case
// below.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, codeMarker(CodeNotMaster)):
		return CodeNotMaster
	case errors.Is(err, codeMarker(CodeReadOnly)):
		return CodeReadOnly
	case errors.Is(err, codeMarker(CodeMemoryIssue)):
		return CodeMemoryIssue
	case errors.Is(err, codeMarker(CodeDuplicate)):
		return CodeDuplicate
	case errors.Is(err, codeMarker(CodeNotFound)):
		return CodeNotFound
	case errors.Is(err, codeMarker(CodeIndexViolation)):
		return CodeIndexViolation
	}

	// Fall back to classifying the teacher's own hand-rolled error
	// structs so existing callers don't need a Wrap() at every site.
	var dup *DuplicateKeyError
	var notFound *TableNotFoundError
	var idxNotFound *IndexNotFoundError
	switch {
	case errors.As(err, &dup):
		return CodeIndexViolation
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &idxNotFound):
		return CodeIndexViolation
	}

	return CodeIllegalParams
}

func codeMarker(code Code) error {
	return errors.Newf("ecode:%d", uint32(code))
}

func codeDetail(code Code) string {
	return codeMarker(code).Error()
}
