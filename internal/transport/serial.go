package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval bounds how long a single port read blocks so that
	// Next can observe ctx cancellation and Disconnect.
	DefaultPollInterval = 50 * time.Millisecond

	readChunkSize = 1024
)

// portHandle is the subset of serial.Port used here.
type portHandle interface {
	SetMode(mode *serial.Mode) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// allow tests to override the OS port
var openPort = func(name string, mode *serial.Mode) (portHandle, error) {
	return serial.Open(name, mode)
}

func modeFor(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
}

// Serial is a Transport over a go.bug.st/serial port.
type Serial struct {
	own          Ownership
	name         string
	pollInterval time.Duration
	log          *zap.Logger

	mu         sync.Mutex
	port       portHandle
	baud       int
	closed     chan struct{}
	writerHeld bool
}

// NewSerial returns a closed transport for the named port.
func NewSerial(name string, pollInterval time.Duration, log *zap.Logger) *Serial {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Serial{
		name:         name,
		pollInterval: pollInterval,
		log:          log.With(zap.String("port", name)),
	}
}

func (s *Serial) Name() string { return s.name }

func (s *Serial) Connect(ctx context.Context, baud int) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Port: s.name, Reason: ReasonOpenFailed, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		if baud == s.baud {
			return nil
		}
		if err := s.port.SetMode(modeFor(baud)); err != nil {
			return fmt.Errorf("set baud rate %d: %w", baud, err)
		}
		s.baud = baud
		return nil
	}

	port, err := openPort(s.name, modeFor(baud))
	if err != nil {
		return connectionError(s.name, err)
	}
	if err := port.SetReadTimeout(s.pollInterval); err != nil {
		port.Close()
		return &ConnectionError{Port: s.name, Reason: ReasonOpenFailed, Err: fmt.Errorf("set read timeout: %w", err)}
	}

	s.port = port
	s.baud = baud
	s.closed = make(chan struct{})
	s.log.Info("serial port opened", zap.Int("baud", baud))
	return nil
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port := s.port
	if port == nil {
		s.mu.Unlock()
		return nil
	}
	s.port = nil
	s.writerHeld = false
	close(s.closed)
	s.mu.Unlock()

	if err := port.Close(); err != nil && !isPortClosed(err) {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	s.log.Info("serial port closed")
	return nil
}

func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *Serial) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

func (s *Serial) Acquire(role Role) (*Lease, error) {
	return s.own.Grant(s, role)
}

func (s *Serial) Source() Source { return s }

// Next reads the next non-empty chunk. Poll timeouts are absorbed here; a
// closed port yields io.EOF.
func (s *Serial) Next(ctx context.Context) ([]byte, error) {
	buf := make([]byte, readChunkSize)
	for {
		s.mu.Lock()
		port, closed := s.port, s.closed
		s.mu.Unlock()
		if port == nil {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-closed:
			return nil, io.EOF
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if !s.IsOpen() || isPortClosed(err) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read %s: %w", s.name, err)
		}
		if n > 0 {
			return buf[:n], nil
		}
	}
}

func (s *Serial) AcquireWriter() (Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotOpen
	}
	if s.writerHeld {
		return nil, ErrWriterLocked
	}
	s.writerHeld = true
	return &serialWriter{s: s, closed: s.closed}, nil
}

func (s *Serial) Link() (Link, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	return &serialLink{s: s}, nil
}

func (s *Serial) current() (portHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotOpen
	}
	return s.port, nil
}

func isPortClosed(err error) bool {
	var perr *serial.PortError
	return errors.As(err, &perr) && perr.Code() == serial.PortClosed
}

type serialWriter struct {
	s      *Serial
	closed chan struct{}
	once   sync.Once
}

func (w *serialWriter) Write(p []byte) (int, error) {
	port, err := w.s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (w *serialWriter) Release() {
	w.once.Do(func() {
		w.s.mu.Lock()
		// a writer from a previous connection must not unlock the current one
		if w.s.closed == w.closed {
			w.s.writerHeld = false
		}
		w.s.mu.Unlock()
	})
}

type serialLink struct {
	s *Serial
}

func (l *serialLink) Read(p []byte) (int, error) {
	port, err := l.s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (l *serialLink) Write(p []byte) (int, error) {
	port, err := l.s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (l *serialLink) SetReadTimeout(d time.Duration) error {
	port, err := l.s.current()
	if err != nil {
		return err
	}
	return port.SetReadTimeout(d)
}

func (l *serialLink) SetDTR(dtr bool) error {
	port, err := l.s.current()
	if err != nil {
		return err
	}
	return port.SetDTR(dtr)
}

func (l *serialLink) SetRTS(rts bool) error {
	port, err := l.s.current()
	if err != nil {
		return err
	}
	return port.SetRTS(rts)
}

func (l *serialLink) SetBaudRate(baud int) error {
	return l.s.Connect(context.Background(), baud)
}

func (l *serialLink) ResetInputBuffer() error {
	port, err := l.s.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

func (l *serialLink) ResetOutputBuffer() error {
	port, err := l.s.current()
	if err != nil {
		return err
	}
	return port.ResetOutputBuffer()
}
