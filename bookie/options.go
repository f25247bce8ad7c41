package bookie

import "time"

// Options configures a Bookie. Every duration/size field has a default
// applied by Start when left zero, the way stonedb.Options does for
// MaxWALSize / CompactionMinGarbage / WALRetentionTime.
type Options struct {
	BookieID string

	// LedgerDirs holds entry-log segments and per-ledger index files.
	LedgerDirs []string
	// JournalDir holds journal (.txn) files. A single directory, per spec §6.
	JournalDir string

	JournalMaxSizeBytes       uint32
	JournalGroupCommitMaxSize int
	JournalGroupCommitMaxWait time.Duration

	EntryLogMaxSizeBytes uint32
	EntryLogMaxOpenFiles int

	LedgerCacheMaxPages int

	CheckpointInterval time.Duration

	MinorCompactionRatio    float64
	MinorCompactionInterval time.Duration
	MajorCompactionRatio    float64
	MajorCompactionInterval time.Duration
	GCScanInterval          time.Duration

	// JournalRetention, if set, additionally bounds journal files by age: a
	// file is only eligible for trimming once it is both older than this and
	// below LastLogMark. Zero disables age-based trimming (LastLogMark alone
	// still governs correctness-critical trimming).
	JournalRetention time.Duration

	DiskCheckInterval         time.Duration
	DiskFullThresholdPercent  float64
	ReadOnlyModeEnabled       bool
	StaleRegistrationWaitTime time.Duration

	MetadataRoot string
}

func (o *Options) setDefaults() {
	if o.JournalMaxSizeBytes == 0 {
		o.JournalMaxSizeBytes = 2 * 1024 * 1024 * 1024
	}
	if o.JournalGroupCommitMaxSize == 0 {
		o.JournalGroupCommitMaxSize = 128
	}
	if o.JournalGroupCommitMaxWait == 0 {
		o.JournalGroupCommitMaxWait = 2 * time.Millisecond
	}
	if o.EntryLogMaxSizeBytes == 0 {
		o.EntryLogMaxSizeBytes = 1 * 1024 * 1024 * 1024
	}
	if o.EntryLogMaxOpenFiles == 0 {
		o.EntryLogMaxOpenFiles = 500
	}
	if o.LedgerCacheMaxPages == 0 {
		o.LedgerCacheMaxPages = 16384
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = 60 * time.Second
	}
	if o.MinorCompactionRatio == 0 {
		o.MinorCompactionRatio = 0.2
	}
	if o.MinorCompactionInterval == 0 {
		o.MinorCompactionInterval = time.Hour
	}
	if o.MajorCompactionRatio == 0 {
		o.MajorCompactionRatio = 0.8
	}
	if o.MajorCompactionInterval == 0 {
		o.MajorCompactionInterval = 24 * time.Hour
	}
	if o.GCScanInterval == 0 {
		o.GCScanInterval = 10 * time.Minute
	}
	if o.DiskCheckInterval == 0 {
		o.DiskCheckInterval = 10 * time.Second
	}
	if o.DiskFullThresholdPercent == 0 {
		o.DiskFullThresholdPercent = 95.0
	}
	if o.StaleRegistrationWaitTime == 0 {
		o.StaleRegistrationWaitTime = 10 * time.Second
	}
	if o.MetadataRoot == "" {
		o.MetadataRoot = "/ledgers"
	}
}
