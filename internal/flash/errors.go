package flash

import (
	"errors"
	"fmt"
)

// Kind classifies a flash failure.
type Kind string

const (
	KindDownloadFailed Kind = "download-failed"
	KindProgramFailed  Kind = "program-failed"
	KindInvalidImage   Kind = "invalid-image"
)

// FlashError is returned by Orchestrator.Flash. It matches the Err* sentinels
// of the same kind with errors.Is.
type FlashError struct {
	Kind  Kind
	URL   string
	Cause error
}

func (e *FlashError) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return "flash: " + msg
}

func (e *FlashError) Unwrap() error { return e.Cause }

func (e *FlashError) Is(target error) bool {
	t, ok := target.(*FlashError)
	return ok && t.Cause == nil && t.URL == "" && t.Kind == e.Kind
}

var (
	ErrDownloadFailed = &FlashError{Kind: KindDownloadFailed}
	ErrProgramFailed  = &FlashError{Kind: KindProgramFailed}
	ErrInvalidImage   = &FlashError{Kind: KindInvalidImage}

	// ErrLeaseRequired means Flash was called without owning the transport
	// in the flash role.
	ErrLeaseRequired = errors.New("flash: transport must be leased for flashing")

	ErrOverlap = errors.New("images overlap")
)

func overlapError(a, b Image) error {
	return fmt.Errorf("%w: 0x%x+%d reaches into 0x%x", ErrOverlap, a.Offset, len(a.Data), b.Offset)
}
