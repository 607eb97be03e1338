package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/avylove/bulkmail/types"
)

// DefaultChunkSize is the number of subscriber records per chunk file.
const DefaultChunkSize = 10000

// artifactMeta is the metadata prefix of a pending-upload artifact. It must
// appear before the subscribers array so the splitter can stream the rest.
type artifactMeta struct {
	JobID          string `json:"job_id"`
	ListName       string `json:"list_name"`
	TotalRecords   int64  `json:"total_records"`
	ProcessedCount int64  `json:"processed_count"`
}

// SplitResult summarizes one artifact split.
type SplitResult struct {
	// JobID and ListName come from the artifact metadata.
	JobID    string
	ListName string

	// TotalRecords is the record count declared by the artifact.
	TotalRecords int64

	// SkippedRecords counts malformed entries dropped from the stream.
	SkippedRecords int64

	// ChunkPaths lists the written chunk files in index order.
	ChunkPaths []string
}

// Splitter converts a whole pending-upload artifact into bounded chunk files
// without ever materializing the full subscriber array in memory.
//
// An artifact is a single JSON object whose metadata fields (job_id,
// list_name, total_records, processed_count) precede a "subscribers" array.
// The array is decoded entry by entry; memory use is bounded by the chunk
// size, not the artifact size.
type Splitter struct {
	layout    *Layout
	chunkSize int
	logger    types.Logger
	metrics   types.MetricsCollector
}

// NewSplitter creates a splitter.
//
// Parameters:
//   - layout: Filesystem layout for chunk output
//   - chunkSize: Records per chunk, 0 for DefaultChunkSize
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Splitter: A new splitter instance
func NewSplitter(layout *Layout, chunkSize int, logger types.Logger, metrics types.MetricsCollector) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Splitter{
		layout:    layout,
		chunkSize: chunkSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// Split streams an artifact into chunk files under the job's chunk directory.
//
// Records the artifact marks as already processed (processed_count) are
// skipped so a re-split after a crash resumes where the last run stopped.
// A malformed entry inside the subscribers array is dropped and counted; a
// truncated or syntactically broken tail ends the stream with whatever
// complete records were read, since a crash mid-write must not strand the
// whole upload.
//
// Parameters:
//   - ctx: Context for cancellation
//   - artifactPath: Path of the pending-upload artifact
//
// Returns:
//   - *SplitResult: Chunk paths and counts for the processing phase
//   - error: types.ErrNoJobMetadata when the metadata prefix is missing,
//     or an open/parse/write failure before any records could be handled
func (s *Splitter) Split(ctx context.Context, artifactPath string) (*SplitResult, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", artifactPath, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)

	meta, err := readMeta(dec)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.layout.ChunkDir(meta.JobID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk dir: %w", err)
	}

	result := &SplitResult{
		JobID:        meta.JobID,
		ListName:     meta.ListName,
		TotalRecords: meta.TotalRecords,
	}

	start := time.Now()

	var (
		skippedProcessed int64
		buf              = make([]types.SubscriberRecord, 0, s.chunkSize)
		chunkIndex       int
	)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}

		path := s.layout.ChunkFile(meta.JobID, chunkIndex)
		if err := writeChunk(path, buf); err != nil {
			return err
		}

		result.ChunkPaths = append(result.ChunkPaths, path)
		chunkIndex++
		buf = buf[:0]

		return nil
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// Broken tail, typically a crash mid-append. Keep what we have.
			s.logger.Warn("artifact stream ended early",
				"artifact", filepath.Base(artifactPath), "error", err)

			break
		}

		var rec types.SubscriberRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Email == "" {
			result.SkippedRecords++

			continue
		}

		if skippedProcessed < meta.ProcessedCount {
			skippedProcessed++

			continue
		}

		buf = append(buf, rec)

		if len(buf) >= s.chunkSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	s.metrics.RecordSkippedRecords(int(result.SkippedRecords))
	s.logger.Info("artifact split into chunks",
		"jobID", meta.JobID,
		"list", meta.ListName,
		"chunks", len(result.ChunkPaths),
		"skippedProcessed", skippedProcessed,
		"skippedMalformed", result.SkippedRecords,
		"duration", time.Since(start))

	return result, nil
}

// readMeta consumes tokens up to and including the opening bracket of the
// subscribers array, collecting the scalar metadata fields on the way.
//
// The scan is bounded: metadata must precede the subscribers key. Reaching
// the array, or the end of the object, without a job_id and list_name is
// types.ErrNoJobMetadata.
func readMeta(dec *json.Decoder) (*artifactMeta, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("artifact is not a JSON object: %w", types.ErrNoJobMetadata)
	}

	meta := &artifactMeta{}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact metadata: %w", err)
		}

		key, ok := tok.(string)
		if !ok {
			// Closing brace of the object; no subscribers array at all.
			break
		}

		if key == "subscribers" {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("failed to read subscribers array: %w", err)
			}
			if delim, ok := tok.(json.Delim); !ok || delim != '[' {
				return nil, fmt.Errorf("subscribers is not an array: %w", types.ErrNoJobMetadata)
			}

			if meta.JobID == "" || meta.ListName == "" {
				return nil, types.ErrNoJobMetadata
			}

			return meta, nil
		}

		switch key {
		case "job_id":
			if err := dec.Decode(&meta.JobID); err != nil {
				return nil, fmt.Errorf("failed to decode job_id: %w", err)
			}
		case "list_name":
			if err := dec.Decode(&meta.ListName); err != nil {
				return nil, fmt.Errorf("failed to decode list_name: %w", err)
			}
		case "total_records":
			if err := dec.Decode(&meta.TotalRecords); err != nil {
				return nil, fmt.Errorf("failed to decode total_records: %w", err)
			}
		case "processed_count":
			if err := dec.Decode(&meta.ProcessedCount); err != nil {
				return nil, fmt.Errorf("failed to decode processed_count: %w", err)
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("failed to skip field %q: %w", key, err)
			}
		}
	}

	return nil, types.ErrNoJobMetadata
}

// chunkPayload is the on-disk shape of one chunk file.
type chunkPayload struct {
	Subscribers []types.SubscriberRecord `json:"subscribers"`
}

// writeChunk writes records to path via a temp file and rename so a crash
// mid-write never leaves a half chunk matching the chunk name pattern.
func writeChunk(path string, records []types.SubscriberRecord) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(chunkPayload{Subscribers: records}); err != nil {
		f.Close()
		os.Remove(tmp)

		return fmt.Errorf("failed to encode chunk: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to close chunk file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to finalize chunk file: %w", err)
	}

	return nil
}
