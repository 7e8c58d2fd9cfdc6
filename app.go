package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"espdeck/internal/config"
	"espdeck/internal/console"
	"espdeck/internal/esploader"
	"espdeck/internal/firmware"
	"espdeck/internal/flash"
	"espdeck/internal/logging"
	"espdeck/internal/transport"
)

// Frontend events
const (
	eventConsoleData       = "console-data"
	eventConsoleDisconnect = "console-disconnect"
	eventFlashProgress     = "flash-progress"
	eventFlashLog          = "flash-log"
)

var (
	errConsoleClosed = errors.New("console is not open")
	errFlashRunning  = errors.New("a flash is already running")
)

// portSet is the part of transport.Registry the app uses.
type portSet interface {
	Open(ctx context.Context, name string, baud int) (transport.Transport, error)
	Opener(name string) transport.Opener
	List() ([]transport.PortInfo, error)
	CloseAll() error
}

// App is bound to the frontend. Its exported methods are callable from
// JavaScript; results and errors travel back as promise values.
type App struct {
	ctx     context.Context
	ports   portSet
	catalog *firmware.Catalog
	flasher *flash.Orchestrator
	log     *zap.Logger
	serial  config.Serial
	emit    func(ctx context.Context, event string, data ...interface{})

	mu          sync.Mutex
	session     *console.Session
	flashing    atomic.Bool
	cancelFlash context.CancelFunc
}

// NewApp wires the app. loaders receives the logger whose entries reach the
// frontend log pane; serial supplies the port and console rate used when the
// frontend passes none.
func NewApp(ports portSet, catalog *firmware.Catalog, fetcher flash.Fetcher, loaders func(*zap.Logger) flash.LoaderFactory, serial config.Serial, log *zap.Logger) *App {
	a := &App{
		ctx:     context.Background(),
		ports:   ports,
		catalog: catalog,
		log:     log,
		serial:  serial,
		emit:    runtime.EventsEmit,
	}
	flashLog := logging.WithHook(log.Named("flash"), func(line string) {
		a.emit(a.ctx, eventFlashLog, line)
	})
	a.flasher = flash.New(fetcher, loaders(flashLog.Named("esploader")), flashLog)
	return a
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
}

func (a *App) shutdown(ctx context.Context) {
	a.CloseConsole()
	a.CancelFlash()
	if err := a.ports.CloseAll(); err != nil {
		a.log.Warn("closing ports", zap.Error(err))
	}
	_ = a.log.Sync()
}

// ListPorts returns the attached serial ports, ESP-compatible ones flagged.
func (a *App) ListPorts() ([]transport.PortInfo, error) {
	return a.ports.List()
}

// Firmwares returns the catalog.
func (a *App) Firmwares() []firmware.Descriptor {
	return a.catalog.All()
}

// ChooseFile opens a file dialog for a local firmware image.
func (a *App) ChooseFile() (string, error) {
	return runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select firmware image",
		Filters: []runtime.FileFilter{
			{
				DisplayName: "Firmware Files",
				Pattern:     "*.bin",
			},
		},
	})
}

// OpenConsole starts a console session on port, replacing any running one.
// Device output is emitted as console-data carrying the raw bytes (base64 on
// the JSON bridge); console-disconnect follows once when the session ends for
// any reason.
func (a *App) OpenConsole(port string, baud int) error {
	if port == "" {
		port = a.serial.Port
	}
	if baud <= 0 {
		baud = a.serial.Baud
	}
	a.CloseConsole()

	s := console.NewSession(a.ports.Opener(port), baud, a.log.Named("console"))
	tr, err := s.Connect(a.ctx)
	if err != nil {
		return err
	}

	err = s.Start(tr,
		func(b []byte) { a.emit(a.ctx, eventConsoleData, append([]byte(nil), b...)) },
		func() {
			a.mu.Lock()
			if a.session == s {
				a.session = nil
			}
			a.mu.Unlock()
			a.emit(a.ctx, eventConsoleDisconnect)
		})
	if err != nil {
		s.Close()
		return err
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	return nil
}

// SendInput writes text to the device.
func (a *App) SendInput(text string) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return errConsoleClosed
	}
	s.Write([]byte(text))
	return nil
}

// CloseConsole ends the console session and returns once console-disconnect
// has been emitted.
func (a *App) CloseConsole() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s != nil {
		s.Close()
		<-s.Done()
	}
}

// Flash writes the catalog firmware id to the device on port.
func (a *App) Flash(port, id string) error {
	fw, ok := a.catalog.Get(id)
	if !ok {
		return fmt.Errorf("unknown firmware %q", id)
	}
	return a.flash(port, fw)
}

// FlashFile writes a local application image at the app partition offset.
func (a *App) FlashFile(port, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("firmware image: %w", err)
	}
	return a.flash(port, firmware.Custom(path, firmware.AppOffset, "", firmware.DefaultBaud))
}

// CancelFlash stops a running flash between blocks.
func (a *App) CancelFlash() {
	a.mu.Lock()
	cancel := a.cancelFlash
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *App) flash(port string, fw firmware.Descriptor) (err error) {
	if !a.flashing.CompareAndSwap(false, true) {
		return errFlashRunning
	}
	defer a.flashing.Store(false)

	if port == "" {
		port = a.serial.Port
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	a.cancelFlash = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancelFlash = nil
		a.mu.Unlock()
		cancel()
	}()

	tr, err := a.ports.Open(ctx, port, esploader.ROMBaud)
	if err != nil {
		return err
	}
	lease, err := tr.Acquire(transport.RoleFlash)
	if err != nil {
		return &transport.ConnectionError{Port: tr.Name(), Reason: transport.ReasonBusy, Err: err}
	}
	defer func() {
		// the orchestrator keeps the port when nothing reached the device
		if lease.Valid() {
			err = multierr.Append(err, tr.Disconnect())
			lease.Release()
		}
	}()

	a.log.Info("flashing", zap.String("firmware", fw.ID), zap.String("port", tr.Name()))
	return a.flasher.Flash(ctx, fw, lease, func(p flash.Progress) {
		a.emit(a.ctx, eventFlashProgress, p)
	})
}
