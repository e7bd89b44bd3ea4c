//go:build linux

package tier

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DetectTotalMemory reads MemTotal from /proc/meminfo and returns it in bytes.
func DetectTotalMemory() (uint64, error) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	return parseMemTotal(string(b))
}

func parseMemTotal(meminfo string) (uint64, error) {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, errors.New("MemTotal not found in meminfo")
}
