package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewspeed/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) structured attrs for logging. Paths are reported as set/unset only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Server, newCfg.Server
	listenerChanged := ListenerChanged(oldCfg, newCfg)
	if listenerChanged || !reflect.DeepEqual(o, n) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("server.listener_changed", listenerChanged),
			logx.Bool("server.metrics", n.Metrics),
			logx.Bool("server.static_dir_set", strings.TrimSpace(n.StaticDir) != ""),
			logx.Int64("server.max_download_bytes", n.MaxDownloadBytes),
			logx.Int64("server.max_upload_bytes", n.MaxUploadBytes),
			logx.Float64("server.rate_limit.per_sec", n.RateLimit.PerSec),
			logx.Int("server.access_log_per_sec", n.AccessLogPerSec),
		)
		if !reflect.DeepEqual(o.Defaults, n.Defaults) {
			attrs = append(attrs, logx.Bool("server.defaults_changed", true))
		}
	}

	if !reflect.DeepEqual(oldCfg.Client, newCfg.Client) {
		changed = append(changed, "client")
		attrs = append(attrs,
			logx.String("client.server", strings.TrimSpace(newCfg.Client.Server)),
			logx.Bool("client.use_server_defaults", newCfg.Client.UseServerDefaults),
		)
	}

	oh, nh := oldCfg.History, newCfg.History
	if strings.TrimSpace(oh.Driver) != strings.TrimSpace(nh.Driver) ||
		oh.Cap != nh.Cap ||
		strings.TrimSpace(oh.BusyTimeout) != strings.TrimSpace(nh.BusyTimeout) ||
		strings.TrimSpace(oh.Path) != strings.TrimSpace(nh.Path) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", strings.TrimSpace(nh.Driver)),
			logx.Int("history.cap", nh.Cap),
			logx.Bool("history.path_set", strings.TrimSpace(nh.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// ListenerChanged reports whether the server must rebind to apply newCfg.
func ListenerChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	o, n := oldCfg.Server, newCfg.Server
	return strings.TrimSpace(o.Addr) != strings.TrimSpace(n.Addr) ||
		strings.TrimSpace(o.ReadHeaderTimeout) != strings.TrimSpace(n.ReadHeaderTimeout) ||
		strings.TrimSpace(o.IdleTimeout) != strings.TrimSpace(n.IdleTimeout)
}
