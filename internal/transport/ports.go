package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// knownVendors are USB vendor ids of ESP boards and common USB-UART bridges.
var knownVendors = map[string]string{
	"303A": "Espressif",
	"10C4": "Silicon Labs CP210x",
	"1A86": "WCH CH34x",
	"0403": "FTDI",
	"067B": "Prolific",
}

// PortInfo describes an attached serial port.
type PortInfo struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
	Bridge  string `json:"bridge,omitempty"`
}

// Compatible reports whether the port looks like an ESP device.
func (p PortInfo) Compatible() bool { return p.Bridge != "" }

var (
	detailedPorts = enumerator.GetDetailedPortsList
	plainPorts    = serial.GetPortsList
)

// ListPorts enumerates serial ports, falling back to bare names when USB
// details are unavailable on this platform.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err == nil && len(details) > 0 {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			info := PortInfo{
				Name:    d.Name,
				USB:     d.IsUSB,
				VID:     strings.ToUpper(d.VID),
				PID:     strings.ToUpper(d.PID),
				Serial:  d.SerialNumber,
				Product: d.Product,
			}
			if d.IsUSB {
				info.Bridge = knownVendors[info.VID]
			}
			out = append(out, info)
		}
		return out, nil
	}

	names, err := plainPorts()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}

// SelectPort picks the first compatible port, else the first port at all.
func SelectPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", &ConnectionError{Reason: ReasonNoDevice, Err: err}
	}
	for _, p := range ports {
		if p.Compatible() {
			return p.Name, nil
		}
	}
	if len(ports) == 0 {
		return "", &ConnectionError{Reason: ReasonNoDevice}
	}
	return ports[0].Name, nil
}

// Registry opens serial transports by port name and hands out the same
// Transport while it stays open, so that role conflicts on one port are
// caught by its Lease.
type Registry struct {
	pollInterval time.Duration
	log          *zap.Logger

	mu   sync.Mutex
	open map[string]*Serial
}

func NewRegistry(pollInterval time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		pollInterval: pollInterval,
		log:          log,
		open:         make(map[string]*Serial),
	}
}

// Open returns the open transport for name, connecting it when needed. An
// empty name selects a port automatically.
func (r *Registry) Open(ctx context.Context, name string, baud int) (Transport, error) {
	if name == "" {
		selected, err := SelectPort()
		if err != nil {
			return nil, err
		}
		name = selected
	}

	r.mu.Lock()
	s, ok := r.open[name]
	if !ok || !s.IsOpen() {
		s = NewSerial(name, r.pollInterval, r.log)
		r.open[name] = s
	}
	r.mu.Unlock()

	// reconnecting would change the line settings under the current owner
	if holder := s.own.Holder(); holder != RoleNone {
		return nil, &ConnectionError{Port: name, Reason: ReasonBusy, Err: fmt.Errorf("%w: held by %s", ErrTransportBusy, holder)}
	}

	if err := s.Connect(ctx, baud); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns the attached ports.
func (r *Registry) List() ([]PortInfo, error) { return ListPorts() }

// Opener binds the registry to one port name.
func (r *Registry) Opener(name string) Opener {
	return registryOpener{r: r, name: name}
}

// CloseAll disconnects every transport the registry has opened.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	open := make([]*Serial, 0, len(r.open))
	for _, s := range r.open {
		open = append(open, s)
	}
	r.open = make(map[string]*Serial)
	r.mu.Unlock()

	var err error
	for _, s := range open {
		err = multierr.Append(err, s.Disconnect())
	}
	return err
}

type registryOpener struct {
	r    *Registry
	name string
}

func (o registryOpener) Open(ctx context.Context, baud int) (Transport, error) {
	return o.r.Open(ctx, o.name, baud)
}
