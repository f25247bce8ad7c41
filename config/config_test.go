package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteSampleThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookie.toml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}

	fc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(fc); err != nil {
		t.Fatalf("Validate(sample) = %v, want nil", err)
	}
	if fc.BookieID == "" {
		t.Fatal("sample config should set bookie_id")
	}
	if len(fc.LedgerDirs) == 0 {
		t.Fatal("sample config should set ledger_dirs")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		fc   FileConfig
	}{
		{"missing bookie_id", FileConfig{LedgerDirs: []string{"/a"}, JournalDir: "/j"}},
		{"missing ledger_dirs", FileConfig{BookieID: "b1", JournalDir: "/j"}},
		{"missing journal_dir", FileConfig{BookieID: "b1", LedgerDirs: []string{"/a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.fc); err == nil {
				t.Fatal("Validate should have rejected an incomplete config")
			}
		})
	}
}

func TestToOptionsConvertsUnits(t *testing.T) {
	fc := FileConfig{
		BookieID:                       "b1",
		LedgerDirs:                     []string{"/a"},
		JournalDir:                     "/j",
		JournalMaxSizeMB:               256,
		JournalGroupCommitMaxSize:      64,
		CheckpointIntervalSeconds:      30,
		MajorCompactionIntervalMinutes: 120,
	}
	opts := ToOptions(fc)

	if opts.JournalMaxSizeBytes != 256*1024*1024 {
		t.Errorf("JournalMaxSizeBytes = %d, want 256MiB", opts.JournalMaxSizeBytes)
	}
	if opts.JournalGroupCommitMaxSize != 64 {
		t.Errorf("JournalGroupCommitMaxSize = %d, want 64", opts.JournalGroupCommitMaxSize)
	}
	if opts.CheckpointInterval.Seconds() != 30 {
		t.Errorf("CheckpointInterval = %v, want 30s", opts.CheckpointInterval)
	}
	if opts.MajorCompactionInterval.Minutes() != 120 {
		t.Errorf("MajorCompactionInterval = %v, want 120m", opts.MajorCompactionInterval)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml")); err == nil {
		t.Fatal("Load of a missing file should error")
	}
}

func TestWriteSampleCreatesParentlessFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested.toml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected sample file to exist: %v", err)
	}
}
