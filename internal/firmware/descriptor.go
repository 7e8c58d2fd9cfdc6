// Package firmware describes flashable images: which files go to which flash
// offset, for which chip, at which baud rate.
package firmware

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
)

// DefaultBaud is used when a catalog entry or manifest does not set one.
const DefaultBaud = 460800

// AppOffset is where a bare application image lives on ESP32 flash.
const AppOffset = 0x10000

var ErrInvalidDescriptor = errors.New("firmware: invalid descriptor")

// File is one image written at Offset.
type File struct {
	Offset uint32 `yaml:"offset" json:"offset"`
	URL    string `yaml:"url" json:"url"`
}

// Descriptor is one flashable firmware. Files are written in listed order.
type Descriptor struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Chip    string `yaml:"chip" json:"chip"`
	Baud    int    `yaml:"baud" json:"baud"`
	Files   []File `yaml:"files" json:"files"`
}

// Validate checks the invariants that can be checked before download.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDescriptor)
	}
	if d.Baud <= 0 {
		return fmt.Errorf("%w: %s: baud must be positive", ErrInvalidDescriptor, d.ID)
	}
	if len(d.Files) == 0 {
		return fmt.Errorf("%w: %s: no files", ErrInvalidDescriptor, d.ID)
	}
	seen := make(map[uint32]struct{}, len(d.Files))
	for i, f := range d.Files {
		if f.URL == "" {
			return fmt.Errorf("%w: %s: file %d has no url", ErrInvalidDescriptor, d.ID, i)
		}
		if _, dup := seen[f.Offset]; dup {
			return fmt.Errorf("%w: %s: offset 0x%x listed twice", ErrInvalidDescriptor, d.ID, f.Offset)
		}
		seen[f.Offset] = struct{}{}
	}
	return nil
}

// Resolve returns a copy of d with relative file URLs resolved against base.
func (d Descriptor) Resolve(base *url.URL) Descriptor {
	if base == nil {
		return d
	}
	out := d
	out.Files = make([]File, len(d.Files))
	for i, f := range d.Files {
		out.Files[i] = f
		u, err := url.Parse(f.URL)
		if err != nil || u.IsAbs() {
			continue
		}
		out.Files[i].URL = base.ResolveReference(u).String()
	}
	return out
}

// unresolved returns the first file whose URL has no scheme.
func (d Descriptor) unresolved() (File, bool) {
	for _, f := range d.Files {
		u, err := url.Parse(f.URL)
		if err != nil || !u.IsAbs() {
			return f, true
		}
	}
	return File{}, false
}

// Custom describes a single local application image written at offset.
func Custom(path string, offset uint32, chip string, baud int) Descriptor {
	if baud <= 0 {
		baud = DefaultBaud
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Descriptor{
		ID:      "custom",
		Name:    filepath.Base(path),
		Version: "local",
		Chip:    chip,
		Baud:    baud,
		Files:   []File{{Offset: offset, URL: (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()}},
	}
}
