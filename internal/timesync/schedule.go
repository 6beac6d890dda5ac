package timesync

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a broadcast schedule string into a cron.Schedule.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "@hourly", "@every 5s"
//   - Plain Go duration: "5s", "2m30s"
//
// An optional "cron:" prefix forces cron parsing.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}

	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronParser.Parse(expr)
	}

	// Any whitespace or leading '@' means a cron expression.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronParser.Parse(s)
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), nil
	}

	return nil, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', '@every 5s', or a duration like '5s')",
		raw,
	)
}
