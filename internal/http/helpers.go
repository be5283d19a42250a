package http

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// generateRequestID creates a unique request ID for tracing.
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

// defaultPeriod labels a snapshot with the current year-month when the
// operator does not name the period.
func defaultPeriod() string {
	return time.Now().Format("2006-01")
}

// formatTokens renders token amounts for templates without trailing
// float noise.
func formatTokens(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
