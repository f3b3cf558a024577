package xconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteXUserRecordFormatsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xuser-0")
	if err := WriteXUserRecord(path, "alice", 4242, true); err != nil {
		t.Fatalf("WriteXUserRecord: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	want := "alice 4242 1"
	if string(data) != want {
		t.Fatalf("got %q, want %q", data, want)
	}
}

func TestWriteXUserRecordRGSPromptFlagZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xuser-1")
	if err := WriteXUserRecord(path, "bob", 1, false); err != nil {
		t.Fatalf("WriteXUserRecord: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if !strings.HasSuffix(string(data), " 0") {
		t.Fatalf("got %q, want rgs-prompt-flag suffix ' 0'", data)
	}
}

func TestWriteXUserRecordFailsOnUnwritablePath(t *testing.T) {
	if err := WriteXUserRecord(filepath.Join(t.TempDir(), "nonexistent-dir", "xuser-0"), "alice", 1, false); err == nil {
		t.Fatal("expected error writing into a nonexistent directory")
	}
}
