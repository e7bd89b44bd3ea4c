//go:build linux

package pressure

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadMemory reads MemAvailable and MemTotal from /proc/meminfo in bytes.
func ReadMemory() (avail, total uint64, err error) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, fmt.Errorf("read meminfo: %w", err)
	}
	return parseMeminfo(string(b))
}

func parseMeminfo(meminfo string) (avail, total uint64, err error) {
	var haveAvail, haveTotal bool
	for _, line := range strings.Split(meminfo, "\n") {
		var dst *uint64
		var have *bool
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			dst, have = &total, &haveTotal
		case strings.HasPrefix(line, "MemAvailable:"):
			dst, have = &avail, &haveAvail
		default:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("parse %s %w", fields[0], perr)
		}
		*dst, *have = kb*1024, true
	}
	if !haveTotal {
		return 0, 0, errors.New("MemTotal not found in meminfo")
	}
	if !haveAvail {
		return 0, 0, errors.New("MemAvailable not found in meminfo")
	}
	return avail, total, nil
}
