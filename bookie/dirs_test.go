package bookie

import (
	"errors"
	"testing"
	"time"
)

func TestLedgerDirsPickForNewFile(t *testing.T) {
	dir := t.TempDir()
	ld, err := NewLedgerDirs([]string{dir}, nil, 0, 95, nil)
	if err != nil {
		t.Fatalf("NewLedgerDirs: %v", err)
	}
	defer ld.Close()

	picked, err := ld.PickForNewFile()
	if err != nil {
		t.Fatalf("PickForNewFile: %v", err)
	}
	if picked != dir {
		t.Fatalf("PickForNewFile = %q, want %q", picked, dir)
	}
}

func TestLedgerDirsNoWritableDir(t *testing.T) {
	ld, err := NewLedgerDirs([]string{t.TempDir()}, nil, 0, 95, nil)
	if err != nil {
		t.Fatalf("NewLedgerDirs: %v", err)
	}
	defer ld.Close()

	ld.markFailed(ld.AllDirs()[0], errors.New("disk gone"))

	if _, err := ld.PickForNewFile(); !errors.Is(err, ErrNoWritableDir) {
		t.Fatalf("PickForNewFile after failure = %v, want ErrNoWritableDir", err)
	}
}

type recordingListener struct {
	fullCalled     chan string
	allFullCalled  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		fullCalled:    make(chan string, 8),
		allFullCalled: make(chan struct{}, 8),
	}
}

func (r *recordingListener) DiskFull(dir string) {
	r.fullCalled <- dir
}
func (r *recordingListener) DiskFailed(dir string, err error) {}
func (r *recordingListener) AllDisksFull() {
	select {
	case r.allFullCalled <- struct{}{}:
	default:
	}
}
func (r *recordingListener) FatalError(err error) {}

func TestLedgerDirsMarkFullNotifiesListenerOnce(t *testing.T) {
	dir := t.TempDir()
	listener := newRecordingListener()
	ld, err := NewLedgerDirs([]string{dir}, listener, time.Hour, 95, nil)
	if err != nil {
		t.Fatalf("NewLedgerDirs: %v", err)
	}
	defer ld.Close()

	ld.markFull(dir)
	ld.markFull(dir) // second call on an already-full dir must not notify again

	select {
	case got := <-listener.fullCalled:
		if got != dir {
			t.Fatalf("DiskFull notified for %q, want %q", got, dir)
		}
	default:
		t.Fatal("expected DiskFull notification")
	}
	select {
	case got := <-listener.fullCalled:
		t.Fatalf("unexpected second DiskFull notification for %q", got)
	default:
	}

	select {
	case <-listener.allFullCalled:
	default:
		t.Fatal("expected AllDisksFull notification")
	}
}
