// Package ingest implements the chunked, crash-recoverable bulk ingestion
// pipeline: splitting oversized pending-upload artifacts into bounded chunk
// files and processing chunks as idempotent subscriber upserts.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Filesystem layout owned by the engine:
//
//	<root>/processing/            pending whole upload artifacts
//	<root>/chunks/<job_id>/       per-job chunk files (chunk_NNNN.json)
//	<root>/completed/             archived finished artifacts
const (
	processingDirName = "processing"
	chunksDirName     = "chunks"
	completedDirName  = "completed"

	chunkFilePrefix = "chunk_"
	chunkFileSuffix = ".json"
)

// Layout resolves the engine's on-disk directories.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at dir.
//
// Parameters:
//   - root: Base directory for processing, chunks, and completed
//
// Returns:
//   - *Layout: A new layout instance
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the base directory.
func (l *Layout) Root() string {
	return l.root
}

// ProcessingDir returns the pending-artifact directory.
func (l *Layout) ProcessingDir() string {
	return filepath.Join(l.root, processingDirName)
}

// ChunkRoot returns the directory holding all per-job chunk directories.
func (l *Layout) ChunkRoot() string {
	return filepath.Join(l.root, chunksDirName)
}

// ChunkDir returns the chunk directory for one job.
func (l *Layout) ChunkDir(jobID string) string {
	return filepath.Join(l.ChunkRoot(), jobID)
}

// CompletedDir returns the archive directory for finished artifacts.
func (l *Layout) CompletedDir() string {
	return filepath.Join(l.root, completedDirName)
}

// ChunkFile returns the path of one zero-padded chunk file.
func (l *Layout) ChunkFile(jobID string, index int) string {
	return filepath.Join(l.ChunkDir(jobID), fmt.Sprintf("%s%04d%s", chunkFilePrefix, index, chunkFileSuffix))
}

// EnsureDirs creates the processing, chunks, and completed directories.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.ProcessingDir(), l.ChunkRoot(), l.CompletedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}

// ListChunkFiles returns a job's chunk files sorted by chunk index.
//
// Only files matching chunk_NNNN.json are returned; temp files from
// interrupted writes are ignored.
//
// Parameters:
//   - jobID: The job whose chunk directory is listed
//
// Returns:
//   - []string: Absolute chunk file paths in ascending index order
//   - error: Directory read failure; a missing directory yields an empty list
func (l *Layout) ListChunkFiles(jobID string) ([]string, error) {
	dir := l.ChunkDir(jobID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read chunk dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, chunkFilePrefix) && strings.HasSuffix(name, chunkFileSuffix) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}

	// Zero-padded names make lexical order equal index order.
	sort.Strings(paths)

	return paths, nil
}

// MoveToCompleted archives an artifact into the completed directory.
func (l *Layout) MoveToCompleted(artifactPath string) error {
	dst := filepath.Join(l.CompletedDir(), filepath.Base(artifactPath))

	if err := os.Rename(artifactPath, dst); err != nil {
		return fmt.Errorf("failed to archive %s: %w", artifactPath, err)
	}

	return nil
}

// RemoveChunkDirIfEmpty deletes a job's chunk directory when no files remain.
func (l *Layout) RemoveChunkDirIfEmpty(jobID string) error {
	dir := l.ChunkDir(jobID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read chunk dir %s: %w", dir, err)
	}

	if len(entries) > 0 {
		return nil
	}

	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("failed to remove chunk dir %s: %w", dir, err)
	}

	return nil
}
