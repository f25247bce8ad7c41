// Package config loads the standalone server's configuration from a TOML
// file into bookie.Options (including the metadata root) plus the handful
// of settings the core has no business knowing about (listen address, log
// level).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"bookie/bookie"
)

// FileConfig is the on-disk TOML shape. Durations and sizes are expressed
// in human units (MB, seconds, minutes) and converted in ToOptions; zero
// values are left for bookie.Options' own defaulting.
type FileConfig struct {
	BookieID   string   `toml:"bookie_id"`
	LedgerDirs []string `toml:"ledger_dirs"`
	JournalDir string   `toml:"journal_dir"`

	JournalMaxSizeMB            int `toml:"journal_max_size_mb"`
	JournalGroupCommitMaxSize   int `toml:"journal_group_commit_max_size"`
	JournalGroupCommitMaxWaitMS int `toml:"journal_group_commit_max_wait_ms"`
	JournalRetentionMinutes     int `toml:"journal_retention_minutes"`

	EntryLogMaxSizeMB    int `toml:"entry_log_max_size_mb"`
	EntryLogMaxOpenFiles int `toml:"entry_log_max_open_files"`

	LedgerCacheMaxPages int `toml:"ledger_cache_max_pages"`

	CheckpointIntervalSeconds int `toml:"checkpoint_interval_seconds"`

	MinorCompactionRatio           float64 `toml:"minor_compaction_ratio"`
	MinorCompactionIntervalMinutes int     `toml:"minor_compaction_interval_minutes"`
	MajorCompactionRatio           float64 `toml:"major_compaction_ratio"`
	MajorCompactionIntervalMinutes int     `toml:"major_compaction_interval_minutes"`
	GCScanIntervalMinutes          int     `toml:"gc_scan_interval_minutes"`

	DiskCheckIntervalSeconds int     `toml:"disk_check_interval_seconds"`
	DiskFullThresholdPercent float64 `toml:"disk_full_threshold_percent"`
	ReadOnlyModeEnabled      bool    `toml:"read_only_mode_enabled"`

	MetadataRoot string `toml:"metadata_root"`
	ListenAddr   string `toml:"listen_addr"`
	MetricsAddr  string `toml:"metrics_addr"`
	LogLevel     string `toml:"log_level"`
}

// Load reads and decodes a TOML configuration file.
func Load(path string) (FileConfig, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return fc, nil
}

// WriteSample writes a populated sample configuration to path, for
// operators bootstrapping a new bookie.
func WriteSample(path string) error {
	fc := FileConfig{
		BookieID:                       "bookie-1",
		LedgerDirs:                     []string{"/var/lib/bookie/ledgers"},
		JournalDir:                     "/var/lib/bookie/journal",
		JournalMaxSizeMB:               512,
		JournalGroupCommitMaxSize:      5000,
		JournalGroupCommitMaxWaitMS:    100,
		JournalRetentionMinutes:        0,
		EntryLogMaxSizeMB:              1024,
		EntryLogMaxOpenFiles:           512,
		LedgerCacheMaxPages:            8192,
		CheckpointIntervalSeconds:      30,
		MinorCompactionRatio:           0.2,
		MinorCompactionIntervalMinutes: 60,
		MajorCompactionRatio:           0.5,
		MajorCompactionIntervalMinutes: 24 * 60,
		GCScanIntervalMinutes:          10,
		DiskCheckIntervalSeconds:       10,
		DiskFullThresholdPercent:       95,
		ReadOnlyModeEnabled:            true,
		MetadataRoot:                  "/bookie/available",
		ListenAddr:                    ":3181",
		MetricsAddr:                   ":9090",
		LogLevel:                      "info",
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		return fmt.Errorf("config: encode sample: %w", err)
	}
	return nil
}

// Validate checks the handful of fields that have no sane default.
func Validate(fc FileConfig) error {
	if fc.BookieID == "" {
		return fmt.Errorf("config: bookie_id is required")
	}
	if len(fc.LedgerDirs) == 0 {
		return fmt.Errorf("config: at least one ledger_dirs entry is required")
	}
	if fc.JournalDir == "" {
		return fmt.Errorf("config: journal_dir is required")
	}
	return nil
}

// ToOptions converts the human-unit file config into bookie.Options.
// Zero fields are left zero so bookie.Options' own defaulting applies.
func ToOptions(fc FileConfig) *bookie.Options {
	return &bookie.Options{
		BookieID:   fc.BookieID,
		LedgerDirs: fc.LedgerDirs,
		JournalDir: fc.JournalDir,

		JournalMaxSizeBytes:       mbToBytes(fc.JournalMaxSizeMB),
		JournalGroupCommitMaxSize: fc.JournalGroupCommitMaxSize,
		JournalGroupCommitMaxWait: msToDuration(fc.JournalGroupCommitMaxWaitMS),
		JournalRetention:          minutesToDuration(fc.JournalRetentionMinutes),

		EntryLogMaxSizeBytes: mbToBytes(fc.EntryLogMaxSizeMB),
		EntryLogMaxOpenFiles: fc.EntryLogMaxOpenFiles,

		LedgerCacheMaxPages: fc.LedgerCacheMaxPages,

		CheckpointInterval: secondsToDuration(fc.CheckpointIntervalSeconds),

		MinorCompactionRatio:    fc.MinorCompactionRatio,
		MinorCompactionInterval: minutesToDuration(fc.MinorCompactionIntervalMinutes),
		MajorCompactionRatio:    fc.MajorCompactionRatio,
		MajorCompactionInterval: minutesToDuration(fc.MajorCompactionIntervalMinutes),
		GCScanInterval:          minutesToDuration(fc.GCScanIntervalMinutes),

		DiskCheckInterval:        secondsToDuration(fc.DiskCheckIntervalSeconds),
		DiskFullThresholdPercent: fc.DiskFullThresholdPercent,
		ReadOnlyModeEnabled:      fc.ReadOnlyModeEnabled,

		MetadataRoot: fc.MetadataRoot,
	}
}

func mbToBytes(mb int) uint32 {
	if mb <= 0 {
		return 0
	}
	return uint32(mb) * 1024 * 1024
}

func msToDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

func minutesToDuration(m int) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(m) * time.Minute
}
