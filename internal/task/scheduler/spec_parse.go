package scheduler

import (
	"fmt"
	"strings"

	"postbot/internal/config"
)

// WindowSpec converts a window into a 5-field cron expression.
//
// Accepted forms:
//   - "HH:MM": daily at that time
//   - anything containing whitespace or starting with '@': cron as-is
func WindowSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("window required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	h, m, err := config.ParseHHMM(s)
	if err != nil {
		return "", fmt.Errorf("invalid window %q (use HH:MM or a cron expression): %w", raw, err)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}
