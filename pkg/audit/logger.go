package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/drvtest/pkg/util"
)

// Logger is a journal backend.
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// RotationConfig bounds the journal's size on disk.
type RotationConfig struct {
	MaxSize    int64 // bytes before the live file is rotated; 0 never rotates
	MaxBackups int   // rotated files kept; 0 keeps all
}

// FileLogger journals events to a JSON-lines file. Rotated files sit next
// to it as <path>.<timestamp>.
type FileLogger struct {
	path     string
	rotation RotationConfig

	mu   sync.RWMutex
	file *os.File
	enc  *json.Encoder
}

// NewFileLogger opens path for appending, creating it and its directory.
func NewFileLogger(path string, rotation RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: creating directory: %w", err)
	}
	l := &FileLogger{path: path, rotation: rotation}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: opening journal: %w", err)
	}
	l.file, l.enc = f, json.NewEncoder(f)
	return nil
}

// Log appends an event, rotating the file first when it is full.
func (l *FileLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit: journal %s is closed", l.path)
	}
	if l.rotation.MaxSize > 0 {
		if info, err := l.file.Stat(); err == nil && info.Size() >= l.rotation.MaxSize {
			if err := l.rotate(); err != nil {
				return fmt.Errorf("audit: rotating journal: %w", err)
			}
		}
	}
	return l.enc.Encode(event)
}

// Query reads back the events matching filter, oldest first, across the
// rotated files and the live one.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	files, err := l.backups()
	if err != nil {
		return nil, err
	}
	files = append(files, l.path)

	var events []*Event
	for _, path := range files {
		if err := scanFile(path, filter, &events); err != nil {
			return nil, err
		}
	}
	return filter.page(events), nil
}

func scanFile(path string, filter Filter, out *[]*Event) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			util.Warnf("audit: skipping malformed entry at %s:%d: %v", path, line, err)
			continue
		}
		if filter.Match(&ev) {
			*out = append(*out, &ev)
		}
	}
	return sc.Err()
}

// Close closes the journal file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file, l.enc = nil, nil
	return err
}

func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	rotated := l.path + "." + time.Now().Format("20060102-150405.000000000")
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}
	if err := l.open(); err != nil {
		return err
	}
	if l.rotation.MaxBackups > 0 {
		l.prune()
	}
	return nil
}

// backups lists rotated files, oldest first. The timestamp suffix sorts
// chronologically.
func (l *FileLogger) backups() ([]string, error) {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (l *FileLogger) prune() {
	files, err := l.backups()
	if err != nil {
		return
	}
	for len(files) > l.rotation.MaxBackups {
		if err := os.Remove(files[0]); err != nil {
			util.Warnf("audit: removing %s: %v", files[0], err)
		}
		files = files[1:]
	}
}
