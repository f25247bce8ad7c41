package bookie

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const cookieFileName = "cookie"

// Cookie is a fingerprint of a bookie's on-disk layout, written once into
// every data directory and into the metadata service on first bring-up.
// On every later restart all copies must agree, pinning the directory
// layout to the cluster identity (spec §3). Encoded as TOML, matching the
// sidecar-metadata style danmuck's key_store package uses for its own
// small per-file metadata records.
type Cookie struct {
	LayoutVersion int      `toml:"layout_version"`
	BookieID      string   `toml:"bookie_id"`
	InstanceID    string   `toml:"instance_id"`
	LedgerDirs    []string `toml:"ledger_dirs"`
	JournalDir    string   `toml:"journal_dir"`
}

// NewCookie builds the cookie this bookie's current configuration would
// produce.
func NewCookie(bookieID, instanceID string, ledgerDirs []string, journalDir string) Cookie {
	sorted := append([]string(nil), ledgerDirs...)
	sort.Strings(sorted)
	return Cookie{
		LayoutVersion: CurrentLayoutVersion,
		BookieID:      bookieID,
		InstanceID:    instanceID,
		LedgerDirs:    sorted,
		JournalDir:    journalDir,
	}
}

// Equal reports whether two cookies describe the same layout and identity.
func (c Cookie) Equal(other Cookie) bool {
	return len(c.Diff(other)) == 0
}

// Diff returns a human-readable list of every field that differs between
// c and other, empty if they match. Supplements spec §3's bare "must
// match" with enough detail to diagnose a misconfigured restart, per
// original_source's habit of logging the specific mismatched field rather
// than a generic cookie-mismatch message.
func (c Cookie) Diff(other Cookie) []string {
	var diffs []string
	if c.LayoutVersion != other.LayoutVersion {
		diffs = append(diffs, fmt.Sprintf("layout_version: %d != %d", c.LayoutVersion, other.LayoutVersion))
	}
	if c.BookieID != other.BookieID {
		diffs = append(diffs, fmt.Sprintf("bookie_id: %q != %q", c.BookieID, other.BookieID))
	}
	if c.InstanceID != other.InstanceID {
		diffs = append(diffs, fmt.Sprintf("instance_id: %q != %q", c.InstanceID, other.InstanceID))
	}
	if strings.Join(c.LedgerDirs, ",") != strings.Join(other.LedgerDirs, ",") {
		diffs = append(diffs, fmt.Sprintf("ledger_dirs: %v != %v", c.LedgerDirs, other.LedgerDirs))
	}
	if c.JournalDir != other.JournalDir {
		diffs = append(diffs, fmt.Sprintf("journal_dir: %q != %q", c.JournalDir, other.JournalDir))
	}
	return diffs
}

// Encode renders the cookie as TOML bytes, the form written to disk and to
// the metadata service.
func (c Cookie) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("bookie: encode cookie: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCookie parses TOML cookie bytes.
func DecodeCookie(data []byte) (Cookie, error) {
	var c Cookie
	if _, err := toml.Decode(string(data), &c); err != nil {
		return Cookie{}, fmt.Errorf("bookie: decode cookie: %w", err)
	}
	return c, nil
}

// WriteCookieFile writes cookie to D/current/cookie.
func WriteCookieFile(dir string, cookie Cookie) error {
	data, err := cookie.Encode()
	if err != nil {
		return err
	}
	path := filepath.Join(currentDir(dir), cookieFileName)
	return os.WriteFile(path, data, fileMode)
}

// ReadCookieFile reads D/current/cookie, returning !ok if absent.
func ReadCookieFile(dir string) (Cookie, bool, error) {
	path := filepath.Join(currentDir(dir), cookieFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cookie{}, false, nil
		}
		return Cookie{}, false, err
	}
	c, err := DecodeCookie(data)
	if err != nil {
		return Cookie{}, false, err
	}
	return c, true, nil
}
