package bookie

import (
	"fmt"
	"os"
)

// FormatResult reports what Format found and, if it proceeded, what it
// removed.
type FormatResult struct {
	Formatted  bool
	WasEmpty   bool
	DirsWiped  []string
}

// Format wipes the journal and ledger directories' current/ contents,
// refusing to touch a non-empty layout unless force is set, per spec §6's
// format CLI contract. Any interactive confirmation prompt belongs to the
// CLI that calls this, not to the core.
func Format(opts *Options, force bool) (FormatResult, error) {
	dirs := append([]string{opts.JournalDir}, opts.LedgerDirs...)

	wasEmpty := true
	for _, d := range dirs {
		empty, err := dirIsEmptyOrAbsent(currentDir(d))
		if err != nil {
			return FormatResult{}, err
		}
		if !empty {
			wasEmpty = false
			break
		}
	}

	if !wasEmpty && !force {
		return FormatResult{Formatted: false, WasEmpty: false}, fmt.Errorf("bookie: refusing to format non-empty directories without force")
	}

	var wiped []string
	seen := make(map[string]bool)
	for _, d := range dirs {
		if seen[d] {
			continue
		}
		seen[d] = true
		cur := currentDir(d)
		if err := os.RemoveAll(cur); err != nil {
			return FormatResult{}, fmt.Errorf("bookie: remove %s: %w", cur, err)
		}
		if err := os.MkdirAll(cur, dirMode); err != nil {
			return FormatResult{}, fmt.Errorf("bookie: recreate %s: %w", cur, err)
		}
		wiped = append(wiped, cur)
	}

	return FormatResult{Formatted: true, WasEmpty: wasEmpty, DirsWiped: wiped}, nil
}

func dirIsEmptyOrAbsent(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}
