// Package console runs an interactive serial session: a read loop that
// streams device output to a sink and a serialized write path for keystrokes.
//
// A Session is single use. Once closed, for whatever reason, it stays closed
// and a new Session over a new connection is required.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"espdeck/internal/transport"
)

var (
	ErrAlreadyStarted    = errors.New("console: session already started")
	ErrSessionClosed     = errors.New("console: session closed")
	ErrTransportMismatch = errors.New("console: transport was not connected by this session")
	ErrConnectInProgress = errors.New("console: connect already in progress")
	ErrNoTransport       = errors.New("console: no transport")
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session owns one transport in the console role.
type Session struct {
	opener transport.Opener
	baud   int
	log    *zap.Logger

	state   atomic.Int32
	closed  atomic.Bool
	started atomic.Bool
	looping atomic.Bool

	mu           sync.Mutex
	tr           transport.Transport
	lease        *transport.Lease
	writer       transport.Writer
	onData       func([]byte)
	onDisconnect func()
	cancel       context.CancelFunc

	// serializes writes so byte ranges never interleave
	writeMu sync.Mutex

	notifyOnce sync.Once
	done       chan struct{}
}

// NewSession returns an idle session that opens its transport through
// opener at baud.
func NewSession(opener transport.Opener, baud int, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		opener: opener,
		baud:   baud,
		log:    log,
		done:   make(chan struct{}),
	}
}

// State reports the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the disconnect notification has been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect opens the transport and takes the console lease on it. While
// connected it does nothing and returns the current transport. A Connect
// racing another one fails with ErrConnectInProgress, and a closed session
// fails with ErrSessionClosed.
func (s *Session) Connect(ctx context.Context) (transport.Transport, error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		if s.closed.Load() {
			return nil, ErrSessionClosed
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.tr == nil {
			return nil, ErrConnectInProgress
		}
		return s.tr, nil
	}

	tr, err := s.opener.Open(ctx, s.baud)
	if err != nil {
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateIdle))
		return nil, err
	}

	lease, err := tr.Acquire(transport.RoleConsole)
	if err != nil {
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateIdle))
		return nil, &transport.ConnectionError{Port: tr.Name(), Reason: transport.ReasonBusy, Err: err}
	}

	s.mu.Lock()
	s.tr, s.lease = tr, lease
	s.mu.Unlock()

	if s.closed.Load() {
		// closed while the attempt was in flight
		lease.Release()
		_ = tr.Disconnect()
		return nil, ErrSessionClosed
	}

	s.log.Info("console connected", zap.String("port", tr.Name()), zap.Int("baud", s.baud))
	return tr, nil
}

// Start begins streaming tr to onData. It may be called once. If the session
// did not connect tr itself, it takes the console lease on it here.
func (s *Session) Start(tr transport.Transport, onData func([]byte), onDisconnect func()) error {
	if tr == nil {
		return ErrNoTransport
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// Close sets closed before taking mu to collect what it releases, so
	// anything stored here after closed is seen set must be released here.
	s.mu.Lock()
	held, cur := s.lease, s.tr
	s.mu.Unlock()

	if held == nil {
		lease, err := tr.Acquire(transport.RoleConsole)
		if err != nil {
			s.Close()
			return err
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			lease.Release()
			return ErrSessionClosed
		}
		s.tr, s.lease = tr, lease
		s.mu.Unlock()
	} else if cur != tr {
		return ErrTransportMismatch
	}

	w, err := tr.AcquireWriter()
	if err != nil {
		s.Close()
		return fmt.Errorf("acquire writer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		cancel()
		w.Release()
		return ErrSessionClosed
	}
	s.writer = w
	s.onData = onData
	s.onDisconnect = onDisconnect
	s.cancel = cancel
	s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) &&
		!s.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming)) {
		// Close ran after the writer was stored and released it
		cancel()
		return ErrSessionClosed
	}

	s.looping.Store(true)
	go s.readLoop(ctx, tr.Source())
	return nil
}

func (s *Session) readLoop(ctx context.Context, src transport.Source) {
	defer s.notify()
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("console read loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.log.Warn("console read failed", zap.Error(err))
			}
			return
		}
		if len(chunk) == 0 {
			return
		}

		s.mu.Lock()
		onData := s.onData
		s.mu.Unlock()
		// A Close that lands after this check still sees this one chunk
		// delivered; nothing read later reaches onData.
		if s.closed.Load() {
			return
		}
		if onData != nil {
			onData(chunk)
		}
	}
}

// Write sends b to the device. Writes are delivered in call order. After
// Close, or when the session was never started, b is dropped silently. A
// failed write closes the session.
func (s *Session) Write(b []byte) {
	if len(b) == 0 || s.closed.Load() {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return
	}

	if err := s.writeAll(w, b); err != nil {
		s.log.Warn("console write failed", zap.Error(err))
		s.Close()
	}
}

func (s *Session) writeAll(w io.Writer, b []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("writer panicked: %v", r)
		}
	}()
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// Close tears the session down. Only the first call has effect; the
// disconnect notification fires once, after the read loop has stopped.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.state.Store(int32(StateClosed))

	s.mu.Lock()
	tr, lease, w, cancel := s.tr, s.lease, s.writer, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		w.Release()
	}
	if tr != nil {
		if err := tr.Disconnect(); err != nil {
			s.log.Debug("console disconnect", zap.Error(err))
		}
	}
	lease.Release()

	if tr != nil {
		s.log.Info("console closed", zap.String("port", tr.Name()))
	}

	// the read loop notifies on its own way out
	if !s.looping.Load() {
		s.notify()
	}
}

func (s *Session) notify() {
	s.notifyOnce.Do(func() {
		s.mu.Lock()
		onDisconnect := s.onDisconnect
		s.mu.Unlock()

		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("disconnect handler panicked", zap.Any("panic", r))
			}
		}()
		if onDisconnect != nil {
			onDisconnect()
		}
	})
}
