package bookie

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatRefusesNonEmptyWithoutForce(t *testing.T) {
	opts := &Options{
		JournalDir: t.TempDir(),
		LedgerDirs: []string{t.TempDir()},
	}
	if err := os.MkdirAll(currentDir(opts.LedgerDirs[0]), dirMode); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(currentDir(opts.LedgerDirs[0]), "stray.log"), []byte("x"), fileMode); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	if _, err := Format(opts, false); err == nil {
		t.Fatal("Format without force on non-empty dir should fail")
	}
}

func TestFormatWipesWithForce(t *testing.T) {
	opts := &Options{
		JournalDir: t.TempDir(),
		LedgerDirs: []string{t.TempDir()},
	}
	if err := os.MkdirAll(currentDir(opts.LedgerDirs[0]), dirMode); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stray := filepath.Join(currentDir(opts.LedgerDirs[0]), "stray.log")
	if err := os.WriteFile(stray, []byte("x"), fileMode); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	result, err := Format(opts, true)
	if err != nil {
		t.Fatalf("Format with force: %v", err)
	}
	if !result.Formatted || result.WasEmpty {
		t.Fatalf("result = %+v, want Formatted=true WasEmpty=false", result)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("stray file should be gone, stat err = %v", err)
	}
}

func TestFormatOnEmptyDirsSucceeds(t *testing.T) {
	opts := &Options{
		JournalDir: t.TempDir(),
		LedgerDirs: []string{t.TempDir()},
	}
	result, err := Format(opts, false)
	if err != nil {
		t.Fatalf("Format on empty dirs: %v", err)
	}
	if !result.Formatted || !result.WasEmpty {
		t.Fatalf("result = %+v, want Formatted=true WasEmpty=true", result)
	}
}
