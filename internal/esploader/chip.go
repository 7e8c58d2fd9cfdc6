package esploader

import "strings"

// chipDetectMagicReg holds a per-chip magic value readable from the ROM.
const chipDetectMagicReg = 0x40001000

// Chip is an ESP chip family.
type Chip int

const (
	ChipUnknown Chip = iota
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C3
)

var chipMagics = map[uint32]Chip{
	0x00f01d83: ChipESP32,
	0x000007c6: ChipESP32S2,
	0x00000009: ChipESP32S3,
	0x6921506f: ChipESP32C3,
	0x1b31506f: ChipESP32C3,
}

func chipFromMagic(magic uint32) Chip {
	return chipMagics[magic]
}

func (c Chip) String() string {
	switch c {
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C3:
		return "ESP32-C3"
	default:
		return "Unknown"
	}
}

// Matches reports whether name (as written in catalogs, e.g. "esp32s3")
// refers to c.
func (c Chip) Matches(name string) bool {
	n := strings.ToLower(strings.ReplaceAll(name, "-", ""))
	return n == strings.ToLower(strings.ReplaceAll(c.String(), "-", ""))
}

func chipFromName(name string) (Chip, bool) {
	for _, c := range []Chip{ChipESP32, ChipESP32S2, ChipESP32S3, ChipESP32C3} {
		if c.Matches(name) {
			return c, true
		}
	}
	return ChipUnknown, false
}

// romFlashBeginExtra reports whether FLASH_BEGIN carries the extra
// encryption word, which every ROM newer than the ESP32 expects.
func (c Chip) romFlashBeginExtra() bool {
	return c != ChipESP32 && c != ChipUnknown
}
