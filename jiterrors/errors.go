package jiterrors

import (
	"errors"
	"strings"
)

// Stack (S) Errors
var (
	ErrSStackRegionTooSmall = errors.New("S1|StackRegionTooSmall: Dedicated execution stack is smaller than the minimum frame area.")
	ErrSStackMapFailed      = errors.New("S2|StackMapFailed: Could not map the dedicated execution stack region.")
	ErrSStackReentered      = errors.New("S3|StackReentered: Execution stack entered while already owned by the dispatch loop.")
	ErrSStackNotEntered     = errors.New("S4|StackNotEntered: Execution stack released without a matching enter.")
)

// Cache (C) Errors
var (
	ErrCInvalidICacheBits = errors.New("C1|InvalidICacheBits: Index table width must be between 4 and 24 bits.")
	ErrCInvalidMaxBlocks  = errors.New("C2|InvalidMaxBlocks: Block table must hold at least two blocks.")
	ErrCInvalidTagMask    = errors.New("C3|InvalidTagMask: Tag mode-bit mask must be non-zero.")
	ErrCCacheFull         = errors.New("C4|CacheFull: Block table is full; the cache must be cleared before compiling.")
)

// Configuration (F) Errors
var (
	ErrFConfigRead          = errors.New("F1|ConfigRead: Configuration file could not be read.")
	ErrFConfigParse         = errors.New("F2|ConfigParse: Configuration file is not valid YAML.")
	ErrFInvalidBlockLimit   = errors.New("F3|InvalidBlockLimit: Maximum instructions per block must be positive.")
	ErrFMissingCollaborator = errors.New("F4|MissingCollaborator: Dispatcher requires a compiler, a timer and a run-state.")
	ErrFCoreClosed          = errors.New("F5|CoreClosed: Execution core has been closed.")
)

// Image (I) Errors
var (
	ErrIUnalignedImage  = errors.New("I1|UnalignedImage: Guest image length must be a multiple of four bytes.")
	ErrIImageOutOfRange = errors.New("I2|ImageOutOfRange: Guest image does not fit in physical memory at the load address.")
	ErrIUnalignedEntry  = errors.New("I3|UnalignedEntry: Entry point must be word aligned.")
)

// Registry (R) Errors
var (
	ErrRRegistryClosed = errors.New("R1|RegistryClosed: Block registry is closed.")
	ErrRBadRecord      = errors.New("R2|BadRecord: Block registry record could not be decoded.")
)

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	code := strings.TrimSpace(parts[0])
	// wrapped errors carry a "context: " prefix in front of the code
	if i := strings.LastIndex(code, " "); i >= 0 {
		code = code[i+1:]
	}
	return code
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if i := strings.Index(errStr, "|"); i >= 0 {
		errStr = errStr[i+1:]
	}
	parts := strings.SplitN(errStr, ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
