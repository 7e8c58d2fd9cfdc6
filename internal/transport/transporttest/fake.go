// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"espdeck/internal/transport"
)

// Fake is a scripted transport. Chunks pushed with Push are returned by the
// source in order; writes are recorded.
type Fake struct {
	own  transport.Ownership
	name string

	chunks chan []byte
	ended  chan struct{}
	endMu  sync.Once
	failed chan error

	mu          sync.Mutex
	open        bool
	baud        int
	closed      chan struct{}
	writes      [][]byte
	writeErr    error
	writerHeld  bool
	disconnects int
	connects    int
	link        transport.Link
	connectErr  error
}

// New returns an open fake transport.
func New(name string) *Fake {
	return &Fake{
		name:   name,
		chunks: make(chan []byte, 256),
		ended:  make(chan struct{}),
		failed: make(chan error, 1),
		open:   true,
		baud:   115200,
		closed: make(chan struct{}),
	}
}

// Push queues a chunk for the source.
func (f *Fake) Push(b []byte) { f.chunks <- append([]byte(nil), b...) }

// End makes the source report end-of-stream once queued chunks are consumed.
func (f *Fake) End() { f.endMu.Do(func() { close(f.ended) }) }

// FailRead makes the next read return err.
func (f *Fake) FailRead(err error) { f.failed <- err }

// FailWrites makes every following write return err.
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// FailConnect makes Connect return err.
func (f *Fake) FailConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// SetLink installs the raw link handed to loaders.
func (f *Fake) SetLink(l transport.Link) {
	f.mu.Lock()
	f.link = l
	f.mu.Unlock()
}

// Writes returns every write call's payload in order.
func (f *Fake) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Written returns all written bytes concatenated.
func (f *Fake) Written() []byte {
	return bytes.Join(f.Writes(), nil)
}

func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Holder reports the role currently owning the transport.
func (f *Fake) Holder() transport.Role { return f.own.Holder() }

func (f *Fake) Name() string { return f.name }

func (f *Fake) Connect(_ context.Context, baud int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return &transport.ConnectionError{Port: f.name, Reason: transport.ReasonOpenFailed, Err: f.connectErr}
	}
	if !f.open {
		f.open = true
		f.closed = make(chan struct{})
	}
	f.baud = baud
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.open {
		f.open = false
		f.writerHeld = false
		close(f.closed)
	}
	return nil
}

func (f *Fake) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *Fake) BaudRate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baud
}

func (f *Fake) Acquire(role transport.Role) (*transport.Lease, error) {
	return f.own.Grant(f, role)
}

func (f *Fake) Source() transport.Source { return f }

func (f *Fake) Next(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	// queued data wins over end-of-stream
	select {
	case c := <-f.chunks:
		return c, nil
	default:
	}

	select {
	case c := <-f.chunks:
		return c, nil
	case err := <-f.failed:
		return nil, err
	case <-f.ended:
		return nil, io.EOF
	case <-closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fake) AcquireWriter() (transport.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, transport.ErrNotOpen
	}
	if f.writerHeld {
		return nil, transport.ErrWriterLocked
	}
	f.writerHeld = true
	return &fakeWriter{f: f}, nil
}

func (f *Fake) Link() (transport.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, transport.ErrNotOpen
	}
	if f.link == nil {
		return nil, transport.ErrNotOpen
	}
	return f.link, nil
}

func (f *Fake) write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0, transport.ErrNotOpen
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

type fakeWriter struct {
	f    *Fake
	once sync.Once
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.f.write(p) }

func (w *fakeWriter) Release() {
	w.once.Do(func() {
		w.f.mu.Lock()
		w.f.writerHeld = false
		w.f.mu.Unlock()
	})
}

// Opener hands out a fixed transport, connecting it on Open.
type Opener struct {
	T   transport.Transport
	Err error

	mu    sync.Mutex
	calls int
}

func (o *Opener) Open(ctx context.Context, baud int) (transport.Transport, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	if err := o.T.Connect(ctx, baud); err != nil {
		return nil, err
	}
	return o.T, nil
}

func (o *Opener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}
