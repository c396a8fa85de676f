// Package imaging implements the ImagePipeline (C6): given a source image
// filename, reuse a cached archive or run edge detection and compress the
// result, reporting the archive's path and byte length.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

// ErrPipelineUnavailable wraps any I/O or codec failure encountered while
// resolving or building an archive (spec.md §7).
var ErrPipelineUnavailable = errors.New("imaging: pipeline unavailable")

// Detector is the external collaborator that runs Canny edge detection. Its
// contract (spec.md §4.6) is detect(src_path, out_dir) -> a single file at
// out_dir/canny.png; the numerics are out of scope here.
type Detector interface {
	Detect(ctx context.Context, srcPath, outDir string) error
}

// UnavailableDetector is the zero-value Detector: it always fails, matching
// spec.md's framing that the edge-detection algorithm is "an external
// collaborator" this repository does not implement. cmd/shelter-server
// passes no Detector, so there only archives already present in ArchiveDir
// can be served; tests supply a fake.
type UnavailableDetector struct{}

func (UnavailableDetector) Detect(context.Context, string, string) error {
	return fmt.Errorf("%w: no edge detector configured", ErrPipelineUnavailable)
}

// Pipeline is the ImagePipeline.
type Pipeline struct {
	InputDir   string
	ArchiveDir string
	WorkingDir string
	Detector   Detector

	// cache maps a source filename stem to its resolved archive path. A hit
	// is still stat'ed (to confirm the archive exists and read its size);
	// a hit whose archive is gone is dropped. Grounded on
	// go/network/frontend.go's sniCache.
	cache *lru.Cache[string, string]
}

// New returns a Pipeline backed by the given directories and detector, with
// a small archive-path resolution cache.
func New(inputDir, archiveDir, workingDir string, detector Detector) (*Pipeline, error) {
	cache, err := lru.New[string, string](128)
	if err != nil {
		return nil, fmt.Errorf("imaging: building archive cache: %w", err)
	}
	if detector == nil {
		detector = UnavailableDetector{}
	}
	return &Pipeline{
		InputDir:   inputDir,
		ArchiveDir: archiveDir,
		WorkingDir: workingDir,
		Detector:   detector,
		cache:      cache,
	}, nil
}

// Result is what Resolve reports back to the wire handler.
type Result struct {
	ArchivePath string
	Size        int64
}

// Resolve produces (reusing a cache hit if present) the compressed archive
// for sourceName, a filename relative to InputDir.
func (p *Pipeline) Resolve(ctx context.Context, sourceName string) (Result, error) {
	stem := stemOf(sourceName)
	archivePath := filepath.Join(p.ArchiveDir, stem+".zip")

	if cached, ok := p.cache.Get(stem); ok {
		if info, err := os.Stat(cached); err == nil {
			return Result{ArchivePath: cached, Size: info.Size()}, nil
		}
		p.cache.Remove(stem)
	}

	if info, err := os.Stat(archivePath); err == nil {
		log.WithField("source", sourceName).Info("reusing cached archive")
		p.cache.Add(stem, archivePath)
		return Result{ArchivePath: archivePath, Size: info.Size()}, nil
	} else if !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("%w: stat %s: %v", ErrPipelineUnavailable, archivePath, err)
	}

	srcPath := filepath.Join(p.InputDir, sourceName)
	if err := p.Detector.Detect(ctx, srcPath, p.WorkingDir); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPipelineUnavailable, err)
	}

	cannyPath := filepath.Join(p.WorkingDir, "canny.png")
	size, err := compress(cannyPath, archivePath)
	if err != nil {
		return Result{}, err
	}

	log.WithFields(log.Fields{
		"source":  sourceName,
		"archive": archivePath,
		"size":    humanize.Bytes(uint64(size)),
	}).Info("archive ready")

	p.cache.Add(stem, archivePath)
	return Result{ArchivePath: archivePath, Size: size}, nil
}

// compress gzip-compresses srcPath into dstPath (spec.md §4.6 step 3: "a
// stream-compression algorithm (gzip-family)"). The resulting file keeps the
// spec's literal ".zip" suffix even though the codec is gzip, not the zip
// format — a known naming quirk preserved as-is per spec.md §9.
func compress(srcPath, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrPipelineUnavailable, srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("%w: creating %s: %v", ErrPipelineUnavailable, dstPath, err)
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		return 0, fmt.Errorf("%w: compressing %s: %v", ErrPipelineUnavailable, srcPath, err)
	}
	if err := gw.Close(); err != nil {
		return 0, fmt.Errorf("%w: finalizing %s: %v", ErrPipelineUnavailable, dstPath, err)
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrPipelineUnavailable, dstPath, err)
	}
	return info.Size(), nil
}

// stemOf returns the filename without its last extension, matching the
// original's find_last_of('.') truncation.
func stemOf(name string) string {
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[:idx]
	}
	return name
}

// AvailableImages lists every file in InputDir, for request_available_images.
func (p *Pipeline) AvailableImages() ([]string, error) {
	entries, err := os.ReadDir(p.InputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrPipelineUnavailable, p.InputDir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
