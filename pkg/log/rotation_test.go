package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingFileWriterRequiresFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Fatal("expected error for missing filename")
	}
}

func TestRotatingFileWriterWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goels.log")

	w, err := NewRotatingFileWriter(RotationConfig{Filename: path})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	msg := []byte("spindle rpm 600\n")
	if _, err := w.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, msg) {
		t.Errorf("file contents = %q, want %q", data, msg)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goels.log")

	w, err := NewRotatingFileWriter(RotationConfig{Filename: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	// Force a rotation by pretending the current file is at the limit.
	w.mu.Lock()
	w.currentSize = w.maxSize
	w.mu.Unlock()

	if _, err := w.Write([]byte("after rotation\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("rotated backup missing: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "after rotation\n" {
		t.Errorf("new file contents = %q", data)
	}
}
