package settings

// Keys for settings the core consumes directly.
const (
	KeyMinTPSLPercent         = "min_tp_sl_percent"
	KeyAccountRefreshInterval = "account_refresh_interval"
	KeyPriceCacheTime         = "price_cache_time"
	KeyDBPerfLogThresholdMs   = "db_perf_log_threshold_ms"
	KeyWorkerCount            = "worker_count"

	KeyBackupEnabled       = "backup_enabled"
	KeyBackupBucket        = "backup_bucket"
	KeyBackupEndpoint      = "backup_endpoint"
	KeyBackupAccessKeyID   = "backup_access_key_id"
	KeyBackupSecretKey     = "backup_secret_access_key"
	KeyBackupRetentionDays = "backup_retention_days"
)

// Default describes a seeded setting value.
type Default struct {
	Value       string
	Description string
}

// Defaults holds the default values for configurable settings. Seeded on
// first start; existing rows are never overwritten.
var Defaults = map[string]Default{
	KeyMinTPSLPercent:         {"3.0", "Minimum take-profit/stop-loss distance from fill price (percent)"},
	KeyAccountRefreshInterval: {"5", "Broker account refresh interval (minutes)"},
	KeyPriceCacheTime:         {"60", "Instrument price cache lifetime (seconds)"},
	KeyDBPerfLogThresholdMs:   {"250", "Log database queries slower than this threshold (ms)"},
	KeyWorkerCount:            {"2", "Worker queue pool size"},

	KeyBackupEnabled:       {"0", "1 = upload database snapshots to S3-compatible storage"},
	KeyBackupBucket:        {"", "Backup bucket name"},
	KeyBackupEndpoint:      {"", "Backup S3 endpoint URL (empty = AWS)"},
	KeyBackupAccessKeyID:   {"", "Backup access key ID"},
	KeyBackupSecretKey:     {"", "Backup secret access key"},
	KeyBackupRetentionDays: {"90", "Days to keep snapshot backups (0 = keep forever)"},
}
