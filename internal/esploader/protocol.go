package esploader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ROM bootloader commands
const (
	cmdFlashBegin = 0x02
	cmdFlashData  = 0x03
	cmdFlashEnd   = 0x04
	cmdSync       = 0x08
	cmdReadReg    = 0x0a
	cmdSPIAttach  = 0x0d
	cmdChangeBaud = 0x0f
)

// SLIP framing
const (
	slipEnd    = 0xc0
	slipEsc    = 0xdb
	slipEscEnd = 0xdc
	slipEscEsc = 0xdd
)

const (
	dirRequest  = 0x00
	dirResponse = 0x01

	flashSectorSize = 0x1000
	flashWriteSize  = 0x400
	checksumSeed    = 0xef
)

var (
	ErrInvalidFrame = errors.New("esploader: invalid SLIP frame")
	ErrShortPacket  = errors.New("esploader: short response packet")
)

// romErrors are the ROM's error codes.
var romErrors = map[byte]string{
	0x05: "invalid message",
	0x06: "failed to act",
	0x07: "invalid CRC",
	0x08: "flash write error",
	0x09: "flash read error",
	0x0a: "flash read length error",
	0x0b: "deflate error",
}

// slipEncode wraps data in a SLIP frame.
func slipEncode(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + 8)
	buf.WriteByte(slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEnd)
		case slipEsc:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEsc)
		default:
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(slipEnd)
	return buf.Bytes()
}

// slipDecode unwraps one frame, delimiters included.
func slipDecode(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0] != slipEnd || frame[len(frame)-1] != slipEnd {
		return nil, ErrInvalidFrame
	}

	var buf bytes.Buffer
	escaped := false
	for _, b := range frame[1 : len(frame)-1] {
		switch {
		case escaped:
			switch b {
			case slipEscEnd:
				buf.WriteByte(slipEnd)
			case slipEscEsc:
				buf.WriteByte(slipEsc)
			default:
				return nil, fmt.Errorf("%w: bad escape 0x%02x", ErrInvalidFrame, b)
			}
			escaped = false
		case b == slipEsc:
			escaped = true
		default:
			buf.WriteByte(b)
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: dangling escape", ErrInvalidFrame)
	}
	return buf.Bytes(), nil
}

// encodeCommand builds a request packet: direction, op, size, checksum, data.
func encodeCommand(op byte, data []byte, checksum uint32) []byte {
	packet := make([]byte, 8+len(data))
	packet[0] = dirRequest
	packet[1] = op
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], checksum)
	copy(packet[8:], data)
	return packet
}

// checksum is the XOR checksum the ROM expects over data payloads.
func checksum(data []byte) uint32 {
	c := uint32(checksumSeed)
	for _, b := range data {
		c ^= uint32(b)
	}
	return c
}

type response struct {
	op    byte
	value uint32
	data  []byte
}

func parseResponse(pkt []byte) (response, error) {
	if len(pkt) < 8 {
		return response{}, ErrShortPacket
	}
	if pkt[0] != dirResponse {
		return response{}, fmt.Errorf("%w: direction 0x%02x", ErrInvalidFrame, pkt[0])
	}
	size := int(binary.LittleEndian.Uint16(pkt[2:4]))
	data := pkt[8:]
	if size < len(data) {
		data = data[:size]
	}
	return response{
		op:    pkt[1],
		value: binary.LittleEndian.Uint32(pkt[4:8]),
		data:  data,
	}, nil
}

// status returns the ROM status bytes. ESP32-class ROMs append four bytes
// (status, error, reserved); older ROMs and stubs append two.
func (r response) status() error {
	var status, code byte
	switch {
	case len(r.data) >= 4:
		status, code = r.data[len(r.data)-4], r.data[len(r.data)-3]
	case len(r.data) >= 2:
		status, code = r.data[len(r.data)-2], r.data[len(r.data)-1]
	default:
		return nil
	}
	if status == 0 {
		return nil
	}
	msg, ok := romErrors[code]
	if !ok {
		msg = "unknown error"
	}
	return &ROMError{Op: r.op, Code: code, Message: msg}
}

// ROMError is a failure status reported by the bootloader.
type ROMError struct {
	Op      byte
	Code    byte
	Message string
}

func (e *ROMError) Error() string {
	return fmt.Sprintf("esploader: command 0x%02x failed: %s (0x%02x)", e.Op, e.Message, e.Code)
}

// frameBuffer accumulates raw bytes and cuts complete SLIP frames out of them.
type frameBuffer struct {
	buf []byte
}

func (f *frameBuffer) write(p []byte) { f.buf = append(f.buf, p...) }

func (f *frameBuffer) reset() { f.buf = f.buf[:0] }

// next returns the next complete frame, delimiters included.
func (f *frameBuffer) next() ([]byte, bool) {
	for {
		start := bytes.IndexByte(f.buf, slipEnd)
		if start < 0 {
			f.buf = f.buf[:0]
			return nil, false
		}
		f.buf = f.buf[start:]
		end := bytes.IndexByte(f.buf[1:], slipEnd)
		if end < 0 {
			return nil, false
		}
		end++
		if end == 1 {
			// back-to-back delimiters
			f.buf = f.buf[1:]
			continue
		}
		frame := append([]byte(nil), f.buf[:end+1]...)
		// keep the closing delimiter: it may open the next frame
		f.buf = f.buf[end:]
		return frame, true
	}
}
