package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func TestSaveThenConfirm(t *testing.T) {
	disk, err := NewDisk(t.TempDir(), 1024, "/messages/attachment/")
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	ctx := context.Background()
	ref, err := disk.Save(ctx, "../report card.PDF", "", strings.NewReader("grades"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ref.Name != "report card.PDF" || ref.Size != 6 || !strings.HasSuffix(ref.Key, ".pdf") {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if ref.URL != "/messages/attachment/"+ref.Key {
		t.Fatalf("unexpected url %s", ref.URL)
	}
	if ref.MimeType != "application/pdf" {
		t.Fatalf("expected mime type from extension, got %s", ref.MimeType)
	}

	confirmed, err := disk.Confirm(ctx, strings.ToUpper(ref.Key))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed != ref {
		t.Fatalf("expected confirmed ref to match, got %+v", confirmed)
	}

	_, f, err := disk.Open(ctx, ref.Key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	body, _ := io.ReadAll(f)
	if string(body) != "grades" {
		t.Fatalf("unexpected content %q", body)
	}
}

func TestSaveRejectsOversizeAndEmpty(t *testing.T) {
	disk, err := NewDisk(t.TempDir(), 4, "/files")
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	if _, err := disk.Save(context.Background(), "a.txt", "text/plain", strings.NewReader("12345")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := disk.Save(context.Background(), "a.txt", "text/plain", strings.NewReader("")); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestConfirmUnknownKeys(t *testing.T) {
	disk, err := NewDisk(t.TempDir(), 1024, "/files")
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	for _, key := range []string{"", "../../etc/passwd", "5d9e3c3a-7d1e-4b8a-9a55-1f7c1b2a4e10.png"} {
		if _, err := disk.Confirm(context.Background(), key); !errors.Is(err, ErrUnknownKey) {
			t.Fatalf("key %q: expected ErrUnknownKey, got %v", key, err)
		}
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	disk, err := NewDisk(dir, 1024, "/messages/attachment")
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	ctx := context.Background()
	ref, err := disk.Save(ctx, "notes.txt", "", strings.NewReader("draft"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := disk.Remove(ctx, ref.Key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := disk.Confirm(ctx, ref.Key); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected removed upload to stop confirming, got %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty upload dir, got %d entries (%v)", len(entries), err)
	}
	if err := disk.Remove(ctx, ref.Key); err != nil {
		t.Fatalf("expected second remove to be a no-op, got %v", err)
	}
	if err := disk.Remove(ctx, "../etc/passwd"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected malformed key to be rejected, got %v", err)
	}
}
