package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatorConfig configures a FileRotator.
type RotatorConfig struct {
	FilePath string

	// MaxSize in megabytes. Zero disables size-based rotation.
	MaxSize int64

	// MaxAge in days. Zero keeps rotated files regardless of age.
	MaxAge int

	// MaxBackups is the number of rotated files kept. Zero keeps all.
	MaxBackups int

	Compress bool

	// Daily also rotates when the calendar day changes.
	Daily bool
}

// FileRotator is an io.Writer that rotates its file by size and age.
// Rotated files are named <name>-<timestamp>-<seq><ext>, optionally gzipped.
type FileRotator struct {
	cfg      RotatorConfig
	mu       sync.Mutex
	file     *os.File
	size     int64
	opened   time.Time
	seq      int
	now      func() time.Time
	maxBytes int64
}

// NewFileRotator opens (or creates) cfg.FilePath for appending.
func NewFileRotator(cfg RotatorConfig) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("rotator: empty file path")
	}
	r := &FileRotator{
		cfg:      cfg,
		now:      time.Now,
		maxBytes: cfg.MaxSize * 1024 * 1024,
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	r.opened = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.shouldRotate(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) shouldRotate(writeSize int64) bool {
	if r.size == 0 {
		return false
	}
	if r.maxBytes > 0 && r.size+writeSize > r.maxBytes {
		return true
	}
	if r.cfg.Daily {
		now := r.now()
		if now.YearDay() != r.opened.YearDay() || now.Year() != r.opened.Year() {
			return true
		}
	}
	return false
}

// Rotate forces a rotation of the current file.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	r.seq++
	name, ext := r.nameParts()
	rotated := filepath.Join(filepath.Dir(r.cfg.FilePath),
		fmt.Sprintf("%s-%s-%d%s", name, r.now().Format("20060102-150405"), r.seq, ext))

	if err := os.Rename(r.cfg.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if r.cfg.Compress {
		if err := compressFile(rotated); err != nil {
			return err
		}
	}

	if err := r.openFile(); err != nil {
		return err
	}

	r.cleanup()
	return nil
}

func (r *FileRotator) nameParts() (name, ext string) {
	base := filepath.Base(r.cfg.FilePath)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func compressFile(path string) error {
	input, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rotated log: %w", err)
	}
	defer input.Close()

	output, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("create compressed log: %w", err)
	}
	defer output.Close()

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)

	if _, err := io.Copy(gz, input); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}

	return os.Remove(path)
}

// cleanup applies the MaxBackups and MaxAge retention policy.
func (r *FileRotator) cleanup() {
	files, err := r.rotatedFiles()
	if err != nil {
		return
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: f, modTime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	keep := entries
	if r.cfg.MaxBackups > 0 && len(entries) > r.cfg.MaxBackups {
		for _, e := range entries[:len(entries)-r.cfg.MaxBackups] {
			os.Remove(e.path)
		}
		keep = entries[len(entries)-r.cfg.MaxBackups:]
	}

	if r.cfg.MaxAge > 0 {
		cutoff := r.now().AddDate(0, 0, -r.cfg.MaxAge)
		for _, e := range keep {
			if e.modTime.Before(cutoff) {
				os.Remove(e.path)
			}
		}
	}
}

func (r *FileRotator) rotatedFiles() ([]string, error) {
	name, ext := r.nameParts()
	pattern := filepath.Join(filepath.Dir(r.cfg.FilePath), name+"-*"+ext+"*")
	return filepath.Glob(pattern)
}

// LogFiles returns the current file followed by rotated files.
func (r *FileRotator) LogFiles() ([]string, error) {
	rotated, err := r.rotatedFiles()
	sort.Strings(rotated)
	return append([]string{r.cfg.FilePath}, rotated...), err
}

// Sync flushes the current file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// Close closes the current file. A later Write reopens it.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
