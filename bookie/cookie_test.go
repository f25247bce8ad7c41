package bookie

import "testing"

func TestCookieEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCookie("bookie-1", "instance-a", []string{"/data/b", "/data/a"}, "/journal")
	data, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeCookie(data)
	if err != nil {
		t.Fatalf("DecodeCookie: %v", err)
	}
	if !c.Equal(got) {
		t.Fatalf("round trip mismatch: %v", c.Diff(got))
	}
}

func TestCookieDiffReportsMismatch(t *testing.T) {
	a := NewCookie("bookie-1", "inst", []string{"/data/a"}, "/journal")
	b := NewCookie("bookie-2", "inst", []string{"/data/a"}, "/journal")
	diffs := a.Diff(b)
	if len(diffs) != 1 {
		t.Fatalf("Diff = %v, want exactly one mismatch", diffs)
	}
}

func TestWriteReadCookieFile(t *testing.T) {
	dir := t.TempDir()
	ld, err := NewLedgerDirs([]string{dir}, nil, 0, 95, nil)
	if err != nil {
		t.Fatalf("NewLedgerDirs: %v", err)
	}
	defer ld.Close()

	c := NewCookie("bookie-1", "inst", []string{dir}, "/journal")
	if err := WriteCookieFile(dir, c); err != nil {
		t.Fatalf("WriteCookieFile: %v", err)
	}
	got, ok, err := ReadCookieFile(dir)
	if err != nil || !ok {
		t.Fatalf("ReadCookieFile = %v, %v, %v", got, ok, err)
	}
	if !c.Equal(got) {
		t.Fatalf("read-back mismatch: %v", c.Diff(got))
	}
}
