package bus

// Sweep and maintenance topics.
const (
	TopicRunOpened      = "run.opened"
	TopicRunClosed      = "run.closed"
	TopicStaleLinks     = "maintenance.stale_links"
	TopicRetentionPurge = "maintenance.retention_purge"
	TopicConfigReloaded = "system.config_reloaded"
)

// RunEvent is published when a sweep run opens or closes.
type RunEvent struct {
	RunID   string `json:"run_id"`
	Source  string `json:"source"`
	Status  string `json:"status,omitempty"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Errored int    `json:"errored"`
}

// StaleLinksEvent reports pending calendar links older than the timeout.
type StaleLinksEvent struct {
	LinkIDs []string `json:"link_ids"`
	Timeout string   `json:"timeout"`
}

// RetentionPurgeEvent reports how many soft-deleted items were purged.
type RetentionPurgeEvent struct {
	Purged int    `json:"purged"`
	Cutoff string `json:"cutoff"`
}

// ConfigReloadedEvent reports an applied config edit. Restart lists
// settings that changed but only take effect on the next start.
type ConfigReloadedEvent struct {
	Path          string   `json:"path"`
	Fingerprint   string   `json:"fingerprint"`
	SweepsAdded   []string `json:"sweeps_added,omitempty"`
	SweepsRemoved []string `json:"sweeps_removed,omitempty"`
	SweepsChanged []string `json:"sweeps_changed,omitempty"`
	Restart       []string `json:"restart,omitempty"`
}
