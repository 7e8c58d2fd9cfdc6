package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"espdeck/internal/config"
	"espdeck/internal/firmware"
	"espdeck/internal/flash"
	"espdeck/internal/transport"
	"espdeck/internal/transport/transporttest"
)

type fakePorts struct {
	mu     sync.Mutex
	ports  map[string]*transporttest.Fake
	closes int
}

func newFakePorts(names ...string) *fakePorts {
	p := &fakePorts{ports: make(map[string]*transporttest.Fake)}
	for _, n := range names {
		f := transporttest.New(n)
		_ = f.Disconnect()
		p.ports[n] = f
	}
	return p
}

func (p *fakePorts) Open(ctx context.Context, name string, baud int) (transport.Transport, error) {
	p.mu.Lock()
	f, ok := p.ports[name]
	p.mu.Unlock()
	if !ok {
		return nil, &transport.ConnectionError{Port: name, Reason: transport.ReasonNoDevice}
	}
	if f.Holder() != transport.RoleNone {
		return nil, &transport.ConnectionError{Port: name, Reason: transport.ReasonBusy, Err: transport.ErrTransportBusy}
	}
	if err := f.Connect(ctx, baud); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *fakePorts) Opener(name string) transport.Opener { return portOpener{p: p, name: name} }

func (p *fakePorts) List() ([]transport.PortInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transport.PortInfo
	for n := range p.ports {
		out = append(out, transport.PortInfo{Name: n})
	}
	return out, nil
}

func (p *fakePorts) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	var err error
	for _, f := range p.ports {
		if e := f.Disconnect(); e != nil {
			err = e
		}
	}
	return err
}

type portOpener struct {
	p    *fakePorts
	name string
}

func (o portOpener) Open(ctx context.Context, baud int) (transport.Transport, error) {
	return o.p.Open(ctx, o.name, baud)
}

type event struct {
	name string
	data []interface{}
}

type events struct {
	mu  sync.Mutex
	all []event
}

func (e *events) emit(_ context.Context, name string, data ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, event{name: name, data: data})
}

func (e *events) named(name string) []event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []event
	for _, ev := range e.all {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (e *events) consoleText() string {
	var b []byte
	for _, ev := range e.named(eventConsoleData) {
		b = append(b, ev.data[0].([]byte)...)
	}
	return string(b)
}

type stubLoader struct {
	mu     sync.Mutex
	images []flash.Image
	err    error
}

func (l *stubLoader) Initialize(context.Context) error { return nil }

func (l *stubLoader) WriteImage(_ context.Context, images []flash.Image, progress func(int)) error {
	l.mu.Lock()
	l.images = images
	l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	progress(50)
	progress(100)
	return nil
}

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, u string) ([]byte, error) {
	if d, ok := m[u]; ok {
		return d, nil
	}
	return nil, errors.New("404 Not Found")
}

type fixture struct {
	app    *App
	ports  *fakePorts
	port   *transporttest.Fake
	loader *stubLoader
	events *events
}

func newFixture(t *testing.T, fetcher flash.Fetcher) *fixture {
	t.Helper()
	if fetcher == nil {
		fetcher = mapFetcher{
			"https://fw/bootloader.bin": make([]byte, 0x100),
			"https://fw/app.bin":        make([]byte, 0x800),
		}
	}
	catalog := &firmware.Catalog{}
	require.NoError(t, catalog.Add(firmware.Descriptor{
		ID:   "stable",
		Name: "Stable",
		Chip: "esp32",
		Baud: 460800,
		Files: []firmware.File{
			{Offset: 0x1000, URL: "https://fw/bootloader.bin"},
			{Offset: 0x10000, URL: "https://fw/app.bin"},
		},
	}))

	fx := &fixture{
		ports:  newFakePorts("/dev/ttyUSB0"),
		loader: &stubLoader{},
		events: &events{},
	}
	fx.port = fx.ports.ports["/dev/ttyUSB0"]

	loaders := func(*zap.Logger) flash.LoaderFactory {
		return func(transport.Transport, int, string) (flash.DeviceLoader, error) { return fx.loader, nil }
	}
	serial := config.Default().Serial
	serial.Port = "/dev/ttyUSB0"
	fx.app = NewApp(fx.ports, catalog, fetcher, loaders, serial, zaptest.NewLogger(t))
	fx.app.emit = fx.events.emit
	fx.app.startup(context.Background())
	return fx
}

func TestApp_ConsoleRoundTrip(t *testing.T) {
	fx := newFixture(t, nil)

	require.NoError(t, fx.app.OpenConsole("", 0))
	assert.Equal(t, 115200, fx.port.BaudRate())
	assert.Equal(t, transport.RoleConsole, fx.port.Holder())

	fx.port.Push([]byte("rst:0x1 (POWERON_RESET)\r\n"))
	fx.port.Push([]byte("ready\r\n"))
	require.Eventually(t, func() bool {
		return fx.events.consoleText() == "rst:0x1 (POWERON_RESET)\r\nready\r\n"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.app.SendInput("help\r\n"))
	assert.Equal(t, "help\r\n", string(fx.port.Written()))

	fx.app.CloseConsole()
	assert.Len(t, fx.events.named(eventConsoleDisconnect), 1)
	assert.False(t, fx.port.IsOpen())
	assert.Equal(t, transport.RoleNone, fx.port.Holder())

	fx.app.CloseConsole()
	assert.Len(t, fx.events.named(eventConsoleDisconnect), 1)
	assert.ErrorIs(t, fx.app.SendInput("x"), errConsoleClosed)
}

func TestApp_ConsoleKeepsSplitAndBinaryBytes(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.app.OpenConsole("", 0))

	fx.port.Push([]byte{0xc3})
	fx.port.Push([]byte{0xa9})
	fx.port.Push([]byte{0xff, 0x00})
	require.Eventually(t, func() bool {
		return len(fx.events.named(eventConsoleData)) == 3
	}, time.Second, 5*time.Millisecond)

	// what the frontend receives after the JSON bridge
	var got []byte
	for _, ev := range fx.events.named(eventConsoleData) {
		raw, err := json.Marshal(ev.data[0])
		require.NoError(t, err)
		var chunk []byte
		require.NoError(t, json.Unmarshal(raw, &chunk))
		got = append(got, chunk...)
	}
	assert.Equal(t, []byte{0xc3, 0xa9, 0xff, 0x00}, got)
	assert.Equal(t, "é", string(got[:2]))
}

func TestApp_DeviceGoneEndsConsole(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.app.OpenConsole("/dev/ttyUSB0", 9600))
	assert.Equal(t, 9600, fx.port.BaudRate())

	fx.port.FailRead(errors.New("device not configured"))
	require.Eventually(t, func() bool {
		return len(fx.events.named(eventConsoleDisconnect)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, fx.app.SendInput("x"), errConsoleClosed)
}

func TestApp_ReopenConsoleReplacesSession(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.app.OpenConsole("", 0))
	require.NoError(t, fx.app.OpenConsole("", 0))

	assert.Len(t, fx.events.named(eventConsoleDisconnect), 1, "first session notified")
	assert.True(t, fx.port.IsOpen())
	require.NoError(t, fx.app.SendInput("a"))
	assert.Equal(t, "a", string(fx.port.Written()))
}

func TestApp_FlashCatalogFirmware(t *testing.T) {
	fx := newFixture(t, nil)

	require.NoError(t, fx.app.Flash("", "stable"))

	require.Len(t, fx.loader.images, 2)
	assert.Equal(t, uint32(0x1000), fx.loader.images[0].Offset)
	assert.Equal(t, uint32(0x10000), fx.loader.images[1].Offset)
	assert.False(t, fx.port.IsOpen())
	assert.Equal(t, transport.RoleNone, fx.port.Holder())

	progress := fx.events.named(eventFlashProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, flash.Progress{Phase: flash.PhaseDownload, Percent: 0}, progress[0].data[0])
	assert.Equal(t, flash.Progress{Phase: flash.PhaseDone, Percent: 100}, progress[len(progress)-1].data[0])

	logs := fx.events.named(eventFlashLog)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1].data[0], "flash complete")
}

func TestApp_FlashRefusedWhileConsoleOpen(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.app.OpenConsole("", 0))

	err := fx.app.Flash("", "stable")
	var cerr *transport.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, transport.ReasonBusy, cerr.Reason)

	assert.Empty(t, fx.loader.images)
	assert.True(t, fx.port.IsOpen(), "console keeps its port")
	require.NoError(t, fx.app.SendInput("still here"))
}

func TestApp_FlashDownloadFailureReleasesPort(t *testing.T) {
	fx := newFixture(t, mapFetcher{"https://fw/bootloader.bin": make([]byte, 0x100)})

	err := fx.app.Flash("", "stable")
	assert.ErrorIs(t, err, flash.ErrDownloadFailed)
	assert.False(t, fx.port.IsOpen())
	assert.Equal(t, transport.RoleNone, fx.port.Holder())

	progress := fx.events.named(eventFlashProgress)
	assert.Equal(t, flash.PhaseError, progress[len(progress)-1].data[0].(flash.Progress).Phase)

	// the port is free for the next attempt
	require.NoError(t, fx.app.OpenConsole("", 0))
}

func TestApp_FlashFile(t *testing.T) {
	fx := newFixture(t, flash.NewHTTPFetcher(nil))
	path := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xe9, 0x03, 0x02, 0x20}, 0o644))

	require.NoError(t, fx.app.FlashFile("", path))
	require.Len(t, fx.loader.images, 1)
	assert.Equal(t, uint32(firmware.AppOffset), fx.loader.images[0].Offset)
	assert.Equal(t, []byte{0xe9, 0x03, 0x02, 0x20}, fx.loader.images[0].Data)

	assert.Error(t, fx.app.FlashFile("", filepath.Join(t.TempDir(), "missing.bin")))
}

func TestApp_FlashErrors(t *testing.T) {
	fx := newFixture(t, nil)

	assert.ErrorContains(t, fx.app.Flash("", "nightly"), `unknown firmware "nightly"`)

	var cerr *transport.ConnectionError
	require.ErrorAs(t, fx.app.Flash("/dev/ttyUSB7", "stable"), &cerr)
	assert.Equal(t, transport.ReasonNoDevice, cerr.Reason)

	fx.app.flashing.Store(true)
	assert.ErrorIs(t, fx.app.Flash("", "stable"), errFlashRunning)
	fx.app.flashing.Store(false)

	fx.loader.err = errors.New("flash data timeout")
	assert.ErrorIs(t, fx.app.Flash("", "stable"), flash.ErrProgramFailed)
	assert.False(t, fx.port.IsOpen())
}

func TestApp_Shutdown(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.app.OpenConsole("", 0))

	fx.app.shutdown(context.Background())
	assert.Len(t, fx.events.named(eventConsoleDisconnect), 1)
	assert.Equal(t, 1, fx.ports.closes)
	assert.False(t, fx.port.IsOpen())
}

func TestApp_ListsPortsAndFirmwares(t *testing.T) {
	fx := newFixture(t, nil)

	ports, err := fx.app.ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []transport.PortInfo{{Name: "/dev/ttyUSB0"}}, ports)

	fws := fx.app.Firmwares()
	require.Len(t, fws, 1)
	assert.Equal(t, "stable", fws[0].ID)
}
