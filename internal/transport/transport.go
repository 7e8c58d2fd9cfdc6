// Package transport wraps the physical serial link shared by the console and
// the flasher. A Transport is opened once, handed to exactly one role at a
// time through a Lease, and closed once.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

var (
	ErrNotOpen       = errors.New("transport: not open")
	ErrWriterLocked  = errors.New("transport: writer already acquired")
	ErrTransportBusy = errors.New("transport: already owned by another role")
)

// Source yields byte chunks on demand. Next blocks until a chunk is available,
// the stream ends (io.EOF) or ctx is done.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Writer is the exclusive write handle of a transport.
type Writer interface {
	io.Writer
	Release()
}

// Link exposes the raw line controls a bootloader needs.
type Link interface {
	io.ReadWriter
	SetReadTimeout(d time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetBaudRate(baud int) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Transport is a serial link to one device.
type Transport interface {
	Name() string
	Connect(ctx context.Context, baud int) error
	// Disconnect closes the link. It returns nil when the link is already gone.
	Disconnect() error
	IsOpen() bool
	BaudRate() int
	Source() Source
	AcquireWriter() (Writer, error)
	Link() (Link, error)
	Acquire(role Role) (*Lease, error)
}

// Opener produces an open transport at the given baud rate.
type Opener interface {
	Open(ctx context.Context, baud int) (Transport, error)
}

// Reason classifies why a connection could not be established.
type Reason string

const (
	ReasonDeclined   Reason = "declined"
	ReasonNoDevice   Reason = "no-device"
	ReasonBusy       Reason = "busy"
	ReasonOpenFailed Reason = "open-failed"
)

// ConnectionError is returned when a transport cannot be opened.
type ConnectionError struct {
	Port   string
	Reason Reason
	Err    error
}

func (e *ConnectionError) Error() string {
	port := e.Port
	if port == "" {
		port = "<auto>"
	}
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", port, e.Reason)
	}
	return fmt.Sprintf("connect %s: %s: %v", port, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// connectionError maps go.bug.st/serial failures onto connection reasons.
func connectionError(port string, err error) *ConnectionError {
	reason := ReasonOpenFailed
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PermissionDenied:
			reason = ReasonDeclined
		case serial.PortNotFound:
			reason = ReasonNoDevice
		case serial.PortBusy:
			reason = ReasonBusy
		}
	}
	return &ConnectionError{Port: port, Reason: reason, Err: err}
}
