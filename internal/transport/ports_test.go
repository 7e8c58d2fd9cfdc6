package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap/zaptest"
)

func withPorts(t *testing.T, details []*enumerator.PortDetails, detailErr error, names []string) {
	t.Helper()
	origDetailed, origPlain := detailedPorts, plainPorts
	detailedPorts = func() ([]*enumerator.PortDetails, error) { return details, detailErr }
	plainPorts = func() ([]string, error) { return names, nil }
	t.Cleanup(func() { detailedPorts, plainPorts = origDetailed, origPlain })
}

func TestListPorts(t *testing.T) {
	withPorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60", SerialNumber: "0001", Product: "CP2102"},
	}, nil, nil)

	ports, err := ListPorts()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.False(t, ports[0].Compatible())
	assert.Equal(t, PortInfo{
		Name: "/dev/ttyUSB0", USB: true, VID: "10C4", PID: "EA60",
		Serial: "0001", Product: "CP2102", Bridge: "Silicon Labs CP210x",
	}, ports[1])

	name, err := SelectPort()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", name)
}

func TestListPorts_FallsBackToNames(t *testing.T) {
	withPorts(t, nil, errors.New("not supported"), []string{"COM3", "COM4"})

	ports, err := ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []PortInfo{{Name: "COM3"}, {Name: "COM4"}}, ports)

	name, err := SelectPort()
	require.NoError(t, err)
	assert.Equal(t, "COM3", name, "first port when none is recognised")
}

func TestSelectPort_NoDevice(t *testing.T) {
	withPorts(t, nil, nil, nil)

	_, err := SelectPort()
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonNoDevice, cerr.Reason)
	assert.Equal(t, "connect <auto>: no-device", err.Error())
}

func TestRegistry_SharesOpenTransport(t *testing.T) {
	port := newFakePort()
	withFakePort(t, port, nil)
	reg := NewRegistry(DefaultPollInterval, zaptest.NewLogger(t))

	a, err := reg.Open(context.Background(), "/dev/ttyUSB0", 115200)
	require.NoError(t, err)
	b, err := reg.Opener("/dev/ttyUSB0").Open(context.Background(), 115200)
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, reg.CloseAll())
	assert.False(t, a.IsOpen())

	c, err := reg.Open(context.Background(), "/dev/ttyUSB0", 115200)
	require.NoError(t, err)
	assert.NotSame(t, a, c, "closed transports are replaced")
}

func TestRegistry_RefusesHeldPort(t *testing.T) {
	port := newFakePort()
	withFakePort(t, port, nil)
	reg := NewRegistry(DefaultPollInterval, nil)

	tr, err := reg.Open(context.Background(), "/dev/ttyUSB0", 9600)
	require.NoError(t, err)
	lease, err := tr.Acquire(RoleConsole)
	require.NoError(t, err)

	_, err = reg.Open(context.Background(), "/dev/ttyUSB0", 115200)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonBusy, cerr.Reason)
	assert.ErrorIs(t, err, ErrTransportBusy)
	assert.Equal(t, 9600, port.mode.BaudRate, "line settings untouched")

	lease.Release()
	_, err = reg.Open(context.Background(), "/dev/ttyUSB0", 115200)
	assert.NoError(t, err)
}

func TestRegistry_AutoSelect(t *testing.T) {
	withPorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "303A", PID: "1001"},
	}, nil, nil)
	port := newFakePort()
	withFakePort(t, port, nil)

	tr, err := NewRegistry(DefaultPollInterval, nil).Open(context.Background(), "", 115200)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", tr.Name())
}
