package build

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
)

const (
	// DefaultMaxLogFiles is the default number of rolled log files kept
	// on disk.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default size cap in MB before a log
	// file rolls.
	DefaultMaxLogFileSize = 20

	// DefaultLogFilename is the log file name used when the config does
	// not name one.
	DefaultLogFilename = "gensysd.log"
)

// LogFileConfig describes the daemon's on-disk log destination.
type LogFileConfig struct {
	// Dir is the directory log files live in; it is created on demand.
	Dir string

	// MaxFiles caps how many rolled files are kept. Zero keeps a single
	// ever-growing file.
	MaxFiles int

	// MaxFileSizeMB is the size threshold that triggers a roll.
	MaxFileSizeMB int

	// Filename overrides DefaultLogFilename.
	Filename string
}

// LogFile is an io.Writer appending to a size-capped log file. Rolls happen
// inline on the write that crosses the threshold, handled by
// jrick/logrotate, with rolled files gzip-compressed. Writes go straight to
// the rotator under a mutex — there is no intermediate pipe, so a write
// failure surfaces to the logger that caused it instead of a background
// goroutine.
type LogFile struct {
	mu  sync.Mutex
	rot *rotator.Rotator
}

// OpenLogFile creates the log directory if needed and opens the rotator.
func OpenLogFile(cfg LogFileConfig) (*LogFile, error) {
	filename := cfg.Filename
	if filename == "" {
		filename = DefaultLogFilename
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = DefaultMaxLogFileSize
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// The rotator takes its threshold in KB and compresses rolled files
	// itself.
	rot, err := rotator.New(
		filepath.Join(cfg.Dir, filename),
		int64(cfg.MaxFileSizeMB*1024),
		true,
		cfg.MaxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("open log rotator: %w", err)
	}

	return &LogFile{rot: rot}, nil
}

// Write appends to the current log file, rolling it first when the
// threshold is crossed.
func (l *LogFile) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rot == nil {
		return len(b), nil
	}

	return l.rot.Write(b)
}

// Close flushes and closes the underlying file.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rot == nil {
		return nil
	}

	err := l.rot.Close()
	l.rot = nil

	return err
}
