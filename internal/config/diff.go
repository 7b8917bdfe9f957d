package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	ThresholdsChanged bool
	NewThresholds     ThresholdsConfig

	QueueLimitChanged bool
	NewQueueLimit     int

	RetentionChanged bool
	NewResource      ResourceConfig
	NewStore         StoreConfig

	MaintenanceChanged bool
	NewMaintenance     MaintenanceConfig

	LogLevelChanged bool
	NewLogLevel     string

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.ThresholdsChanged ||
		d.QueueLimitChanged ||
		d.RetentionChanged ||
		d.MaintenanceChanged ||
		d.LogLevelChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Router.Thresholds != new.Router.Thresholds {
		d.ThresholdsChanged = true
		d.NewThresholds = new.Router.Thresholds
	}

	if old.Resource.MaxQueuePerWorker != new.Resource.MaxQueuePerWorker {
		d.QueueLimitChanged = true
		d.NewQueueLimit = new.Resource.MaxQueuePerWorker
	}

	if old.Resource.Retention != new.Resource.Retention || old.Store.Retention != new.Store.Retention {
		d.RetentionChanged = true
		d.NewResource = new.Resource
		d.NewStore = new.Store
	}

	if old.Maintenance != new.Maintenance {
		d.MaintenanceChanged = true
		d.NewMaintenance = new.Maintenance
	}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	// Non-reloadable warnings
	if !slices.Equal(old.WorkerNames(), new.WorkerNames()) {
		d.NonReloadable = append(d.NonReloadable, "workers")
	}
	if old.Router.Scorer != new.Router.Scorer {
		d.NonReloadable = append(d.NonReloadable, "router.scorer")
	}
	if old.Bus != new.Bus {
		d.NonReloadable = append(d.NonReloadable, "bus")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}
