package logger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
)

// Logger records drawn samples to CSV files with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	base    string
	ext     string
	maxRows int
	runID   string

	file   *os.File
	writer *csv.Writer
	part   int
	rows   int
	seq    uint64
	paths  []string
}

// Config holds logger configuration.
type Config struct {
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
	// RunID is written to each file's header comment when set.
	RunID string `yaml:"-" json:"-"`
}

const defaultMaxRows = 1_000_000 // ~20 s at 48 kHz

var csvHeader = []string{"seq", "sample"}

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("logger: closed")

// New creates the first log file at cfg.Path. Later parts are named
// <base>-N<ext>.
func New(cfg Config) (*Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("logger: empty path")
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	ext := filepath.Ext(cfg.Path)
	l := &Logger{
		base:    strings.TrimSuffix(cfg.Path, ext),
		ext:     ext,
		maxRows: cfg.MaxRows,
		runID:   cfg.RunID,
	}
	if err := l.rotateFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// Record writes one row per sample, rotating files as they fill up.
func (l *Logger) Record(samples []protocol.Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return ErrClosed
	}
	for _, s := range samples {
		if l.rows >= l.maxRows {
			if err := l.rotateFile(); err != nil {
				return fmt.Errorf("logger: rotate: %w", err)
			}
		}
		row := []string{strconv.FormatUint(l.seq, 10), strconv.Itoa(int(s))}
		if err := l.writer.Write(row); err != nil {
			return fmt.Errorf("logger: write: %w", err)
		}
		l.seq++
		l.rows++
	}
	l.writer.Flush()
	return l.writer.Error()
}

// Paths returns every file written so far, oldest first.
func (l *Logger) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

// Close flushes and closes the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}

func (l *Logger) rotateFile() error {
	if err := l.closeFile(); err != nil {
		return err
	}

	path := l.base + l.ext
	if l.part > 0 {
		path = fmt.Sprintf("%s-%d%s", l.base, l.part, l.ext)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0
	l.part++
	l.paths = append(l.paths, path)

	if l.runID != "" {
		if _, err := fmt.Fprintf(f, "# run %s\n", l.runID); err != nil {
			return err
		}
	}
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() error {
	var err error
	if l.writer != nil {
		l.writer.Flush()
		err = l.writer.Error()
		l.writer = nil
	}
	if l.file != nil {
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
		l.file = nil
	}
	return err
}
