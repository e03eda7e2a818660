package admission

import (
	"strconv"
	"time"

	"github.com/v0id-user/rwos/internal/schema"
)

func parseCounter(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func formatCounter(n int) string {
	return strconv.Itoa(n)
}

func windowDuration(constants schema.Constants) time.Duration {
	return time.Duration(constants.RateLimitWindowMs) * time.Millisecond
}
