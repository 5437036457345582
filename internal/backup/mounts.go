package backup

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// MountEntry is one row of /proc/mounts.
type MountEntry struct {
	Device     string
	Mountpoint string
	FSType     string
}

// parseMounts reads rows in /proc/mounts format. Malformed rows are
// skipped, the kernel owns that file and partial reads happen.
func parseMounts(r io.Reader) ([]MountEntry, error) {
	var entries []MountEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, MountEntry{
			Device:     unescapeMountField(fields[0]),
			Mountpoint: unescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// findMount returns the entry mounted at mountpoint, or nil. The last
// match wins, later mounts shadow earlier ones.
func findMount(entries []MountEntry, mountpoint string) *MountEntry {
	var found *MountEntry
	for i := range entries {
		if entries[i].Mountpoint == mountpoint {
			found = &entries[i]
		}
	}
	return found
}

// unescapeMountField decodes the octal escapes the kernel emits for
// whitespace and backslashes in mount paths, "\040" for a space.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
