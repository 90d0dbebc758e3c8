package telemetry

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Rotator archives the external log files the process writes alongside
// its structured output. When the combined size of live *.log files in
// Dir exceeds Threshold of MaxTotalBytes, every live file is
// gzip-compressed to <name>.<timestamp>.gz and truncated in place.
type Rotator struct {
	Dir           string
	MaxTotalBytes int64
	// Threshold is the fraction of MaxTotalBytes that triggers rotation
	// (spec §4.6: 80% of the configured ceiling).
	Threshold float64

	now func() time.Time
}

func NewRotator(dir string, maxTotalBytes int64, threshold float64) *Rotator {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Rotator{Dir: dir, MaxTotalBytes: maxTotalBytes, Threshold: threshold, now: time.Now}
}

// RotateIfNeeded checks the size ceiling and rotates when crossed,
// returning the number of files archived (0 when below threshold).
func (r *Rotator) RotateIfNeeded() (int, error) {
	files, total, err := r.liveFiles()
	if err != nil {
		return 0, err
	}
	if r.MaxTotalBytes <= 0 || float64(total) < r.Threshold*float64(r.MaxTotalBytes) {
		return 0, nil
	}
	return r.rotate(files)
}

// Rotate archives unconditionally, for the POST /admin/logs/rotate
// endpoint.
func (r *Rotator) Rotate() (int, error) {
	files, _, err := r.liveFiles()
	if err != nil {
		return 0, err
	}
	return r.rotate(files)
}

func (r *Rotator) liveFiles() ([]string, int64, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read log dir %s: %w", r.Dir, err)
	}
	var files []string
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, filepath.Join(r.Dir, e.Name()))
		total += info.Size()
	}
	return files, total, nil
}

func (r *Rotator) rotate(files []string) (int, error) {
	stamp := r.now().UTC().Format("20060102T150405")
	rotated := 0
	for _, path := range files {
		if err := r.archiveOne(path, stamp); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}

func (r *Rotator) archiveOne(path, stamp string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	dstPath := fmt.Sprintf("%s.%s.gz", path, stamp)
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", dstPath, err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Truncate(path, 0)
}
