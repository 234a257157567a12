package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRollsBySizeAndDay(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return day }

	w, err := newRotatingWriter(filepath.Join(dir, "taskd.log"), 10, clock)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	for _, line := range []string{"0123456789", "abc", "next-day"} {
		if line == "next-day" {
			day = day.Add(24 * time.Hour)
		}
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
	}

	expect := map[string]string{
		"taskd-2026-10-15.log":   "0123456789",
		"taskd-2026-10-15-2.log": "abc",
		"taskd-2026-10-16.log":   "next-day",
	}
	for name, want := range expect {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s: got %q want %q", name, got, want)
		}
	}
	dest, err := os.Readlink(filepath.Join(dir, "taskd.log"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if dest != "taskd-2026-10-16.log" {
		t.Fatalf("symlink points at %s", dest)
	}
}

func TestDashDisablesFile(t *testing.T) {
	w, err := NewRotatingWriter("-", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Write([]byte("dropped")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDebugfGating(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)

	(&Output{level: LevelInfo}).Debugf(l)("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("debug output at info level: %q", buf.String())
	}
	(&Output{level: LevelDebug}).Debugf(l)("shown %d", 2)
	if !strings.Contains(buf.String(), "DEBUG shown 2") {
		t.Fatalf("missing debug line: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": LevelInfo, "DEBUG": LevelDebug, "warning": LevelWarn, "error": LevelError, "loud": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
