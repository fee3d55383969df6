package vision

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "temp.mp4")
	dst := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(src, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := MoveFile(src, dst); err != nil {
		t.Fatalf("MoveFile() error = %v", err)
	}
	if data, err := os.ReadFile(dst); err != nil || string(data) != "video" {
		t.Errorf("destination = %q, %v", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present")
	}

	if err := MoveFile("", dst); err == nil {
		t.Error("empty source accepted")
	}
	if err := MoveFile(filepath.Join(dir, "missing.mp4"), dst); err == nil {
		t.Error("missing source accepted")
	}
}

func TestCopyAndRemove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	dst := filepath.Join(dir, "b.bin")
	data := make([]byte, 3<<20)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := copyAndRemove(src, dst); err != nil {
		t.Fatalf("copyAndRemove() error = %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || len(got) != len(data) || got[len(got)-1] != data[len(data)-1] {
		t.Errorf("copied %d bytes, want %d (%v)", len(got), len(data), err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present")
	}
	if err := copyAndRemove(filepath.Join(dir, "gone"), filepath.Join(dir, "c.bin")); err == nil {
		t.Error("missing source accepted")
	}
}
