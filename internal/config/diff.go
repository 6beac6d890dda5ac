package config

import (
	"reflect"
	"strings"

	logx "camsync/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like the pprof token).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.String("server.ping_interval", strings.TrimSpace(newCfg.Server.PingInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Capture, newCfg.Capture) {
		changed = append(changed, "capture")
		attrs = append(attrs,
			logx.String("capture.sync_delay", strings.TrimSpace(newCfg.Capture.SyncDelay)),
			logx.String("capture.wait_timeout", strings.TrimSpace(newCfg.Capture.WaitTimeout)),
			logx.String("capture.output_dir", strings.TrimSpace(newCfg.Capture.OutputDir)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TimeSync, newCfg.TimeSync) {
		changed = append(changed, "timesync")
		attrs = append(attrs,
			logx.String("timesync.schedule", strings.TrimSpace(newCfg.TimeSync.Schedule)),
			logx.String("timesync.status_schedule", strings.TrimSpace(newCfg.TimeSync.StatusSchedule)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.Bool("ledger.enabled", newCfg.Ledger.Enabled),
			logx.String("ledger.path", strings.TrimSpace(newCfg.Ledger.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		if newCfg.Catalog != nil {
			attrs = append(attrs, logx.String("catalog.driver", strings.TrimSpace(newCfg.Catalog.Driver)))
		}
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.stream_enabled", newCfg.Logging.Stream.Enabled),
		)
	}

	// Never log the pprof token itself, only whether one is set.
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	return changed, attrs
}
