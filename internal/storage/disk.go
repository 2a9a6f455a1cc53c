package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"semaphore/messaging/internal/model"
)

var (
	ErrTooLarge   = errors.New("upload exceeds the size limit")
	ErrEmpty      = errors.New("upload is empty")
	ErrUnknownKey = errors.New("unknown upload key")
)

var keyPattern = regexp.MustCompile(`^[0-9a-f-]{36}(\.[a-z0-9]{1,10})?$`)

// Disk keeps uploads under a directory. An upload is confirmed once both the content and its
// metadata file have been renamed into place.
type Disk struct {
	dir      string
	maxBytes int64
	baseURL  string
}

// NewDisk creates dir if needed. baseURL prefixes every key in FileRef.URL.
func NewDisk(dir string, maxBytes int64, baseURL string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Disk{dir: dir, maxBytes: maxBytes, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *Disk) MaxBytes() int64 {
	return d.maxBytes
}

// Save writes r under a fresh key and returns the confirmed reference.
func (d *Disk) Save(ctx context.Context, name, mimeType string, r io.Reader) (model.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return model.FileRef{}, err
	}
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	key := uuid.NewString() + extension(name)

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return model.FileRef{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	limit := d.maxBytes
	if limit <= 0 {
		limit = 1<<63 - 1
	}
	size, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return model.FileRef{}, fmt.Errorf("write upload: %w", err)
	}
	if size == 0 {
		return model.FileRef{}, ErrEmpty
	}
	if size > limit {
		return model.FileRef{}, ErrTooLarge
	}

	if mimeType == "" {
		mimeType = mime.TypeByExtension(extension(name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	ref := model.FileRef{Key: key, URL: d.baseURL + "/" + key, Name: name, MimeType: mimeType, Size: size}

	if err := os.Rename(tmp.Name(), d.path(key)); err != nil {
		return model.FileRef{}, fmt.Errorf("store upload: %w", err)
	}
	if err := d.writeMeta(ref); err != nil {
		_ = os.Remove(d.path(key))
		return model.FileRef{}, err
	}
	return ref, nil
}

func (d *Disk) writeMeta(ref model.FileRef) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	tmp := d.metaPath(ref.Key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("write upload metadata: %w", err)
	}
	if err := os.Rename(tmp, d.metaPath(ref.Key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store upload metadata: %w", err)
	}
	return nil
}

// Confirm resolves a key to the metadata stored with it, failing unless the upload is complete.
func (d *Disk) Confirm(_ context.Context, key string) (model.FileRef, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !keyPattern.MatchString(key) {
		return model.FileRef{}, ErrUnknownKey
	}
	raw, err := os.ReadFile(d.metaPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return model.FileRef{}, ErrUnknownKey
	}
	if err != nil {
		return model.FileRef{}, err
	}
	var ref model.FileRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return model.FileRef{}, fmt.Errorf("decode upload metadata: %w", err)
	}
	info, err := os.Stat(d.path(key))
	if err != nil || info.Size() != ref.Size {
		return model.FileRef{}, ErrUnknownKey
	}
	return ref, nil
}

// Open returns the stored content of a confirmed upload.
func (d *Disk) Open(ctx context.Context, key string) (model.FileRef, *os.File, error) {
	ref, err := d.Confirm(ctx, key)
	if err != nil {
		return model.FileRef{}, nil, err
	}
	f, err := os.Open(d.path(ref.Key))
	if err != nil {
		return model.FileRef{}, nil, err
	}
	return ref, f, nil
}

// Remove deletes an upload; the metadata goes first so the key stops confirming at once.
// Removing an unknown key is not an error.
func (d *Disk) Remove(_ context.Context, key string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if !keyPattern.MatchString(key) {
		return ErrUnknownKey
	}
	var errs []error
	for _, path := range []string{d.metaPath(key), d.path(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Disk) path(key string) string {
	return filepath.Join(d.dir, key)
}

func (d *Disk) metaPath(key string) string {
	return filepath.Join(d.dir, key+".json")
}

func extension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 11 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
