package esploader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

type romRequest struct {
	op   byte
	data []byte
	sum  uint32
}

// fakeROM answers bootloader commands the way the chip's ROM does.
type fakeROM struct {
	mu sync.Mutex

	magic       uint32
	ignoreSyncs int
	failDataSeq int
	dropDataSeq int
	dropped     bool

	in       frameBuffer
	out      bytes.Buffer
	requests []romRequest
	lines    []string
	lineErr  error
	baud     int
}

func newFakeROM(magic uint32) *fakeROM {
	return &fakeROM{magic: magic, failDataSeq: -1, dropDataSeq: -1}
}

func (r *fakeROM) Read(p []byte) (int, error) {
	r.mu.Lock()
	if r.out.Len() == 0 {
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer r.mu.Unlock()
	return r.out.Read(p)
}

func (r *fakeROM) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in.write(p)
	for {
		frame, ok := r.in.next()
		if !ok {
			break
		}
		pkt, err := slipDecode(frame)
		if err != nil || len(pkt) < 8 {
			continue
		}
		req := romRequest{
			op:   pkt[1],
			data: append([]byte(nil), pkt[8:]...),
			sum:  binary.LittleEndian.Uint32(pkt[4:8]),
		}
		r.requests = append(r.requests, req)
		r.handle(req)
	}
	return len(p), nil
}

func (r *fakeROM) handle(req romRequest) {
	switch req.op {
	case cmdSync:
		if r.ignoreSyncs > 0 {
			r.ignoreSyncs--
			return
		}
		for i := 0; i < 8; i++ {
			r.reply(req.op, 0, 0, 0)
		}
	case cmdReadReg:
		r.reply(req.op, r.magic, 0, 0)
	case cmdFlashData:
		seq := int(binary.LittleEndian.Uint32(req.data[4:8]))
		switch {
		case checksum(req.data[16:]) != req.sum:
			r.reply(req.op, 0, 1, 0x07)
		case seq == r.failDataSeq:
			r.reply(req.op, 0, 1, 0x08)
		case seq == r.dropDataSeq && !r.dropped:
			r.dropped = true
		default:
			r.reply(req.op, 0, 0, 0)
		}
	default:
		r.reply(req.op, 0, 0, 0)
	}
}

func (r *fakeROM) reply(op byte, value uint32, status, code byte) {
	pkt := make([]byte, 12)
	pkt[0] = dirResponse
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], 4)
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	pkt[8] = status
	pkt[9] = code
	r.out.Write(slipEncode(pkt))
}

func (r *fakeROM) SetReadTimeout(time.Duration) error { return nil }

func (r *fakeROM) SetDTR(v bool) error { return r.line("dtr", v) }

func (r *fakeROM) SetRTS(v bool) error { return r.line("rts", v) }

func (r *fakeROM) line(name string, v bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lineErr != nil {
		return r.lineErr
	}
	r.lines = append(r.lines, fmt.Sprintf("%s=%t", name, v))
	return nil
}

func (r *fakeROM) SetBaudRate(baud int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baud = baud
	return nil
}

func (r *fakeROM) ResetInputBuffer() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Reset()
	return r.lineErr
}

func (r *fakeROM) ResetOutputBuffer() error { return nil }

// commands returns every request except syncs.
func (r *fakeROM) commands() []romRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []romRequest
	for _, req := range r.requests {
		if req.op != cmdSync {
			out = append(out, req)
		}
	}
	return out
}

func (r *fakeROM) count(op byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if req.op == op {
			n++
		}
	}
	return n
}

func (r *fakeROM) lastLines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines[len(r.lines)-n:]...)
}
