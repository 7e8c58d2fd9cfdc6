package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_SecondRoleRefusedWhileOutstanding(t *testing.T) {
	s := NewSerial("/dev/ttyUSB0", 0, nil)

	console, err := s.Acquire(RoleConsole)
	require.NoError(t, err)
	assert.Equal(t, RoleConsole, console.Role())
	assert.Same(t, s, console.Transport())
	assert.True(t, console.Valid())

	_, err = s.Acquire(RoleFlash)
	assert.ErrorIs(t, err, ErrTransportBusy)
	assert.Contains(t, err.Error(), "console")

	console.Release()
	assert.False(t, console.Valid())

	flash, err := s.Acquire(RoleFlash)
	require.NoError(t, err)
	assert.Equal(t, RoleFlash, s.own.Holder())
	flash.Release()
	assert.Equal(t, RoleNone, s.own.Holder())
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	s := NewSerial("/dev/ttyUSB0", 0, nil)

	first, err := s.Acquire(RoleConsole)
	require.NoError(t, err)
	first.Release()

	second, err := s.Acquire(RoleFlash)
	require.NoError(t, err)

	// a stale release must not free the new holder
	first.Release()
	assert.Equal(t, RoleFlash, s.own.Holder())
	second.Release()
}

func TestLease_NoneRoleRejected(t *testing.T) {
	s := NewSerial("/dev/ttyUSB0", 0, nil)
	_, err := s.Acquire(RoleNone)
	assert.Error(t, err)
}

func TestLease_NilIsInvalid(t *testing.T) {
	var l *Lease
	assert.False(t, l.Valid())
	l.Release()
}
