package firmware

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// manifest is the manifest.json written next to the release binaries.
type manifest struct {
	Name    string                    `json:"name"`
	Version string                    `json:"version"`
	Targets map[string]manifestTarget `json:"targets"`
}

type manifestTarget struct {
	FlashSettings    map[string]string `json:"flash_settings"`
	ExtraEsptoolArgs map[string]any    `json:"extra_esptool_args"`
	Files            []manifestFile    `json:"files"`
}

type manifestFile struct {
	Offset hexOffset `json:"offset"`
	Path   string    `json:"path"`
}

// hexOffset accepts "0x1000" as well as 4096.
type hexOffset uint32

func (o *hexOffset) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("offset %s: %w", string(b), err)
	}
	*o = hexOffset(v)
	return nil
}

// ParseManifest turns a build manifest into one descriptor per target. File
// paths are resolved against the manifest location.
func ParseManifest(r io.Reader, location string) ([]Descriptor, error) {
	var m manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(m.Targets) == 0 {
		return nil, fmt.Errorf("%w: manifest has no targets", ErrInvalidDescriptor)
	}

	var base *url.URL
	if location != "" {
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse manifest location: %w", err)
		}
		base = u
	}

	names := make([]string, 0, len(m.Targets))
	for name := range m.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		t := m.Targets[name]
		chip := name
		if c, ok := t.ExtraEsptoolArgs["chip"].(string); ok && c != "" {
			chip = c
		}
		d := Descriptor{
			ID:      name,
			Name:    m.Name,
			Version: m.Version,
			Chip:    chip,
			Baud:    DefaultBaud,
		}
		for _, f := range t.Files {
			d.Files = append(d.Files, File{Offset: uint32(f.Offset), URL: f.Path})
		}
		d = d.Resolve(base)
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
