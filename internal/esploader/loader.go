// Package esploader speaks the Espressif ROM serial bootloader protocol: SLIP
// framed commands over the raw serial link, enough to enter the bootloader,
// identify the chip and write images to SPI flash.
package esploader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"espdeck/internal/flash"
	"espdeck/internal/transport"
)

// ROMBaud is the rate the ROM bootloader listens on after reset.
const ROMBaud = 115200

var (
	ErrNoBootloader = errors.New("esploader: device did not enter bootloader")
	ErrChipMismatch = errors.New("esploader: firmware built for another chip")
)

type timeouts struct {
	poll       time.Duration
	sync       time.Duration
	command    time.Duration
	data       time.Duration
	erasePerMB time.Duration
}

var defaultTimeouts = timeouts{
	poll:       20 * time.Millisecond,
	sync:       100 * time.Millisecond,
	command:    3 * time.Second,
	data:       5 * time.Second,
	erasePerMB: 30 * time.Second,
}

// Loader drives one device through its ROM bootloader. It is not safe for
// concurrent use.
type Loader struct {
	link     transport.Link
	fromBaud int
	baud     int
	log      *zap.Logger

	chip         Chip
	want         string
	guessed      bool
	frames       frameBuffer
	timeouts     timeouts
	syncAttempts int
	sleep        func(time.Duration)
}

type Option func(*Loader)

func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithChip makes Initialize refuse a device of another family than name,
// e.g. "esp32s3", before anything is erased.
func WithChip(name string) Option {
	return func(l *Loader) { l.want = name }
}

// New binds a loader to tr. baud is the rate used for the data transfer; the
// handshake always runs at ROMBaud.
func New(tr transport.Transport, baud int, opts ...Option) (*Loader, error) {
	link, err := tr.Link()
	if err != nil {
		return nil, err
	}
	l := &Loader{
		link:         link,
		fromBaud:     tr.BaudRate(),
		baud:         baud,
		log:          zap.NewNop(),
		timeouts:     defaultTimeouts,
		syncAttempts: 5,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(zap.String("port", tr.Name()))
	return l, nil
}

// Factory adapts New to flash.LoaderFactory.
func Factory(opts ...Option) flash.LoaderFactory {
	return func(tr transport.Transport, baud int, chip string) (flash.DeviceLoader, error) {
		all := make([]Option, 0, len(opts)+1)
		all = append(all, WithChip(chip))
		return New(tr, baud, append(all, opts...)...)
	}
}

var _ flash.DeviceLoader = (*Loader)(nil)

// Chip returns the chip found by Initialize.
func (l *Loader) Chip() Chip { return l.chip }

// Initialize resets the device into its bootloader, synchronises, identifies
// the chip, attaches SPI flash and switches to the transfer baud rate.
func (l *Loader) Initialize(ctx context.Context) error {
	if err := l.enterBootloader(ctx); err != nil {
		return err
	}

	if err := l.detectChip(ctx); err != nil {
		return fmt.Errorf("detect chip: %w", err)
	}
	l.log.Info("chip detected", zap.Stringer("chip", l.chip))
	if err := l.checkChip(); err != nil {
		l.reboot()
		return err
	}

	if err := l.spiAttach(ctx); err != nil {
		return fmt.Errorf("attach spi flash: %w", err)
	}

	if l.baud > 0 && l.baud != l.fromBaud {
		if err := l.changeBaud(ctx, l.baud); err != nil {
			return fmt.Errorf("change baud to %d: %w", l.baud, err)
		}
	}
	return nil
}

// WriteImage erases and writes each image in order, then leaves the
// bootloader and reboots the chip into the new application.
func (l *Loader) WriteImage(ctx context.Context, images []flash.Image, progress func(int)) error {
	if progress == nil {
		progress = func(int) {}
	}

	total := 0
	for _, img := range images {
		total += blockCount(len(img.Data))
	}
	written := 0

	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.log.Info("writing image", zap.String("offset", fmt.Sprintf("0x%x", img.Offset)), zap.Int("bytes", len(img.Data)))

		if err := l.flashBegin(ctx, uint32(len(img.Data)), img.Offset); err != nil {
			return fmt.Errorf("begin 0x%x: %w", img.Offset, err)
		}

		blocks := blockCount(len(img.Data))
		for seq := 0; seq < blocks; seq++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := l.flashData(ctx, block(img.Data, seq), uint32(seq)); err != nil {
				return fmt.Errorf("write 0x%x block %d/%d: %w", img.Offset, seq+1, blocks, err)
			}
			written++
			progress(written * 100 / total)
		}
	}

	if err := l.flashEnd(ctx); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	l.reboot()
	l.log.Info("device rebooted")
	return nil
}

func (l *Loader) enterBootloader(ctx context.Context) error {
	l.flush()
	for i, s := range resetStrategies {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.log.Debug("resetting into bootloader", zap.String("strategy", s.name), zap.Int("attempt", i+1))
		if err := s.reset(l.link, l.sleep); err != nil {
			l.log.Debug("reset lines", zap.String("strategy", s.name), zap.Error(err))
		}
		l.flush()
		err := l.sync(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	// the chip may already sit in the bootloader, put there by hand
	if err := l.sync(ctx); err == nil {
		return nil
	}
	return ErrNoBootloader
}

func (l *Loader) sync(ctx context.Context) error {
	payload := make([]byte, 36)
	copy(payload, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < len(payload); i++ {
		payload[i] = 0x55
	}

	var lastErr error
	for i := 0; i < l.syncAttempts; i++ {
		if _, err := l.command(ctx, cmdSync, payload, 0, l.timeouts.sync); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		// the ROM answers every sync several times; the leftovers are
		// discarded by op when the next response is read
		return nil
	}
	return fmt.Errorf("sync: %w", lastErr)
}

func (l *Loader) detectChip(ctx context.Context) error {
	resp, err := l.readReg(ctx, chipDetectMagicReg)
	if err != nil {
		return err
	}
	l.chip = chipFromMagic(resp)
	if l.chip == ChipUnknown {
		l.log.Warn("unrecognised chip magic, assuming ESP32", zap.String("magic", fmt.Sprintf("0x%08x", resp)))
		l.chip = ChipESP32
		l.guessed = true
	}
	return nil
}

// checkChip compares the detected family with the one the firmware targets.
// Names this package does not know, and guessed chips, are let through.
func (l *Loader) checkChip() error {
	if l.want == "" || l.guessed {
		return nil
	}
	if _, known := chipFromName(l.want); !known {
		l.log.Warn("cannot verify firmware chip", zap.String("want", l.want))
		return nil
	}
	if !l.chip.Matches(l.want) {
		return fmt.Errorf("%w: firmware is for %s, device is %s", ErrChipMismatch, l.want, l.chip)
	}
	return nil
}

func (l *Loader) readReg(ctx context.Context, addr uint32) (uint32, error) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	resp, err := l.command(ctx, cmdReadReg, data, 0, l.timeouts.command)
	if err != nil {
		return 0, err
	}
	return resp.value, nil
}

// spiAttach selects the default SPI pins. The ROM variant takes a second,
// zero word.
func (l *Loader) spiAttach(ctx context.Context) error {
	_, err := l.command(ctx, cmdSPIAttach, make([]byte, 8), 0, l.timeouts.command)
	return err
}

func (l *Loader) changeBaud(ctx context.Context, baud int) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(baud))
	// second word is the current rate, which only the stub reads
	if _, err := l.command(ctx, cmdChangeBaud, data, 0, l.timeouts.command); err != nil {
		return err
	}
	if err := l.link.SetBaudRate(baud); err != nil {
		return err
	}
	l.sleep(50 * time.Millisecond)
	l.flush()
	l.log.Info("baud rate changed", zap.Int("baud", baud))
	return nil
}

func (l *Loader) flashBegin(ctx context.Context, size, offset uint32) error {
	blocks := uint32(blockCount(int(size)))
	eraseSize := (size + flashSectorSize - 1) / flashSectorSize * flashSectorSize

	n := 16
	if l.chip.romFlashBeginExtra() {
		n = 20
	}
	data := make([]byte, n)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], blocks)
	binary.LittleEndian.PutUint32(data[8:12], flashWriteSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)

	_, err := l.command(ctx, cmdFlashBegin, data, 0, l.eraseTimeout(eraseSize))
	return err
}

func (l *Loader) eraseTimeout(size uint32) time.Duration {
	t := time.Duration(float64(l.timeouts.erasePerMB) * float64(size) / (1 << 20))
	if t < l.timeouts.command {
		return l.timeouts.command
	}
	return t
}

func (l *Loader) flashData(ctx context.Context, blk []byte, seq uint32) error {
	payload := make([]byte, 16+len(blk))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(blk)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[16:], blk)
	sum := checksum(blk)

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = l.command(ctx, cmdFlashData, payload, sum, l.timeouts.data); err == nil {
			return nil
		}
		var romErr *ROMError
		if errors.As(err, &romErr) || ctx.Err() != nil {
			return err
		}
		l.log.Debug("retrying block", zap.Uint32("seq", seq), zap.Error(err))
		l.sleep(100 * time.Millisecond)
	}
	return err
}

// flashEnd asks the ROM to stay in the loader; the reboot happens on the
// reset lines afterwards.
func (l *Loader) flashEnd(ctx context.Context) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 1)
	_, err := l.command(ctx, cmdFlashEnd, data, 0, l.timeouts.command)
	return err
}

func (l *Loader) command(ctx context.Context, op byte, data []byte, sum uint32, timeout time.Duration) (response, error) {
	if _, err := l.link.Write(slipEncode(encodeCommand(op, data, sum))); err != nil {
		return response{}, fmt.Errorf("send command 0x%02x: %w", op, err)
	}
	resp, err := l.readResponse(ctx, op, timeout)
	if err != nil {
		return response{}, err
	}
	return resp, resp.status()
}

// readResponse waits for the response to op, dropping frames that answer
// anything else.
func (l *Loader) readResponse(ctx context.Context, op byte, timeout time.Duration) (response, error) {
	if err := l.link.SetReadTimeout(l.timeouts.poll); err != nil {
		return response{}, err
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)
	for {
		for {
			frame, ok := l.frames.next()
			if !ok {
				break
			}
			pkt, err := slipDecode(frame)
			if err != nil {
				continue
			}
			resp, err := parseResponse(pkt)
			if err != nil || resp.op != op {
				continue
			}
			return resp, nil
		}

		if err := ctx.Err(); err != nil {
			return response{}, err
		}
		if time.Now().After(deadline) {
			return response{}, fmt.Errorf("timeout waiting for response to 0x%02x", op)
		}
		n, err := l.link.Read(buf)
		if err != nil {
			return response{}, fmt.Errorf("read response: %w", err)
		}
		l.frames.write(buf[:n])
	}
}

func (l *Loader) flush() {
	if err := l.link.ResetInputBuffer(); err != nil {
		l.log.Debug("reset input buffer", zap.Error(err))
	}
	l.frames.reset()
}

func (l *Loader) reboot() {
	if err := rebootToApp(l.link, l.sleep); err != nil {
		l.log.Debug("reboot into application", zap.Error(err))
	}
}

func blockCount(size int) int {
	return (size + flashWriteSize - 1) / flashWriteSize
}

// block returns block seq of data, padded with 0xff to a full block.
func block(data []byte, seq int) []byte {
	out := make([]byte, flashWriteSize)
	n := copy(out, data[seq*flashWriteSize:])
	for i := n; i < len(out); i++ {
		out[i] = 0xff
	}
	return out
}
