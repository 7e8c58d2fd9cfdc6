// Package flash writes a multi-file firmware onto a device. It downloads every
// file first, then hands the whole set to a DeviceLoader that speaks the
// device's programming protocol.
//
// A flash run either completes or fails with a *FlashError. A failure while
// programming may leave the device with a partial, non-bootable image; the
// run stops issuing writes and reports, nothing more.
package flash

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"espdeck/internal/firmware"
	"espdeck/internal/transport"
)

// Image is one payload to program at Offset.
type Image struct {
	Offset uint32
	Data   []byte
}

// DeviceLoader programs a device over a transport.
type DeviceLoader interface {
	// Initialize performs the bootloader handshake.
	Initialize(ctx context.Context) error
	// WriteImage programs images in the given order, reporting 0-100.
	WriteImage(ctx context.Context, images []Image, progress func(percent int)) error
}

// LoaderFactory builds a loader bound to tr that transfers at baud. chip is
// the family the firmware was built for; empty accepts any.
type LoaderFactory func(tr transport.Transport, baud int, chip string) (DeviceLoader, error)

// Orchestrator runs flash sequences.
type Orchestrator struct {
	fetcher   Fetcher
	newLoader LoaderFactory
	log       *zap.Logger
}

func New(fetcher Fetcher, newLoader LoaderFactory, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{fetcher: fetcher, newLoader: newLoader, log: log}
}

// Flash writes fw through the transport held by lease. The lease must be in
// the flash role; it is released and the transport closed once programming
// has started, whatever the outcome. A download failure leaves both as they
// were so the caller may retry.
func (o *Orchestrator) Flash(ctx context.Context, fw firmware.Descriptor, lease *transport.Lease, onProgress func(Progress)) error {
	if !lease.Valid() || lease.Role() != transport.RoleFlash {
		return ErrLeaseRequired
	}
	tr := lease.Transport()
	rep := newReporter(onProgress)
	log := o.log.With(zap.String("firmware", fw.ID), zap.String("port", tr.Name()))

	if err := fw.Validate(); err != nil {
		rep.fail()
		return &FlashError{Kind: KindInvalidImage, Cause: err}
	}

	rep.emit(PhaseDownload, 0)
	images, err := o.download(ctx, fw, rep, log)
	if err != nil {
		rep.fail()
		return err
	}
	if err := checkOverlap(images); err != nil {
		rep.fail()
		return &FlashError{Kind: KindInvalidImage, Cause: err}
	}

	err = o.program(ctx, tr, fw.Baud, fw.Chip, images, rep, log)
	if err != nil {
		rep.fail()
		o.release(lease, log)
		log.Error("flash failed", zap.Int("percent", rep.last.Percent), zap.Error(err))
		return &FlashError{Kind: KindProgramFailed, Cause: err}
	}

	rep.emit(PhaseDone, 100)
	o.release(lease, log)
	log.Info("flash complete", zap.String("version", fw.Version))
	return nil
}

func (o *Orchestrator) download(ctx context.Context, fw firmware.Descriptor, rep *reporter, log *zap.Logger) ([]Image, error) {
	images := make([]Image, 0, len(fw.Files))
	for i, f := range fw.Files {
		if err := ctx.Err(); err != nil {
			return nil, &FlashError{Kind: KindDownloadFailed, URL: f.URL, Cause: err}
		}
		data, err := o.fetcher.Fetch(ctx, f.URL)
		if err != nil {
			log.Warn("download failed", zap.String("url", f.URL), zap.Error(err))
			return nil, &FlashError{Kind: KindDownloadFailed, URL: f.URL, Cause: err}
		}
		log.Debug("downloaded", zap.String("url", f.URL), zap.Int("bytes", len(data)),
			zap.String("offset", fmt.Sprintf("0x%x", f.Offset)))
		images = append(images, Image{Offset: f.Offset, Data: data})
		rep.emit(PhaseDownload, (i+1)*100/len(fw.Files))
	}
	return images, nil
}

func (o *Orchestrator) program(ctx context.Context, tr transport.Transport, baud int, chip string, images []Image, rep *reporter, log *zap.Logger) error {
	rep.emit(PhaseWrite, 0)

	loader, err := o.newLoader(tr, baud, chip)
	if err != nil {
		return fmt.Errorf("create loader: %w", err)
	}
	if err := loader.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize loader: %w", err)
	}
	log.Info("writing images", zap.Int("count", len(images)), zap.Int("baud", baud))
	return loader.WriteImage(ctx, images, func(percent int) {
		rep.emit(PhaseWrite, percent)
	})
}

func (o *Orchestrator) release(lease *transport.Lease, log *zap.Logger) {
	if err := lease.Transport().Disconnect(); err != nil {
		log.Debug("disconnect after flash", zap.Error(err))
	}
	lease.Release()
}

// checkOverlap rejects images whose byte ranges intersect.
func checkOverlap(images []Image) error {
	sorted := make([]Image, len(images))
	copy(sorted, images)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		if uint64(prev.Offset)+uint64(len(prev.Data)) > uint64(sorted[i].Offset) {
			return overlapError(prev, sorted[i])
		}
	}
	return nil
}
