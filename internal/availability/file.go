package availability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const fileExt = ".txt"

// FileStore keeps one <port>.txt file per worker under Dir containing
// "true" or "false". Writes go through a temporary file and a rename so a
// concurrent reader never observes partial content.
type FileStore struct {
	Dir string
}

// NewFileStore creates dir if needed and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{Dir: abs}, nil
}

func (f *FileStore) path(workerID int) string {
	return filepath.Join(f.Dir, strconv.Itoa(workerID)+fileExt)
}

func (f *FileStore) Publish(_ context.Context, workerID int, busy bool) error {
	tmp, err := os.CreateTemp(f.Dir, ".publish-*")
	if err != nil {
		return fmt.Errorf("publish %d: %w", workerID, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(strconv.FormatBool(busy)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("publish %d: %w", workerID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("publish %d: %w", workerID, err)
	}
	if err := os.Rename(tmp.Name(), f.path(workerID)); err != nil {
		return fmt.Errorf("publish %d: %w", workerID, err)
	}
	return nil
}

func (f *FileStore) Snapshot(_ context.Context) ([]Record, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(f.Dir, name))
		if err != nil {
			// withdrawn between ReadDir and ReadFile
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, Record{WorkerID: id, Busy: strings.EqualFold(strings.TrimSpace(string(b)), "true")})
	}
	return sortRecords(out), nil
}

func (f *FileStore) Withdraw(_ context.Context, workerID int) error {
	if err := os.Remove(f.path(workerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("withdraw %d: %w", workerID, err)
	}
	return nil
}
