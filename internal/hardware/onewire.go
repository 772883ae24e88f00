package hardware

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// iButtonFamily is the 1-Wire family code of DS1990A identity buttons.
const iButtonFamily = "01-"

// OneWireReader finds the identity button on the w1 bus through sysfs.
type OneWireReader struct {
	DevicesDir string
}

// ReadToken returns the ROM id of the first iButton present as 16 hex
// characters (family, serial, crc as the kernel names it), or "" if none
// is attached.
func (r OneWireReader) ReadToken() string {
	entries, err := os.ReadDir(r.DevicesDir)
	if err != nil {
		return ""
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), iButtonFamily) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	// the id file holds the raw 8-byte ROM; prefer it when present
	if raw, err := os.ReadFile(filepath.Join(r.DevicesDir, names[0], "id")); err == nil && len(raw) == 8 {
		const hexdigits = "0123456789abcdef"
		out := make([]byte, 16)
		for i, b := range raw {
			out[2*i] = hexdigits[b>>4]
			out[2*i+1] = hexdigits[b&0x0f]
		}
		return string(out)
	}
	return strings.ReplaceAll(names[0], "-", "")
}
