package reaper

import "strconv"

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func formatUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func parseCursor(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
