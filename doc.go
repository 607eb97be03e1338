// Package bulkmail provides a resilient batch-processing engine for bulk
// email systems: chunked ingestion of huge subscriber uploads, crash
// recovery from filesystem state, and a rate-limited, health-gated dispatch
// loop.
//
// # Quick Start
//
// Basic usage with default settings:
//
//	import "github.com/avylove/bulkmail"
//
//	cfg := bulkmail.DefaultConfig()
//	cfg.Ingest.RootDir = "/var/lib/bulkmail"
//
//	eng, err := bulkmail.New(cfg, mongoStore, sesSender)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(context.Background())
//
//	summary, err := eng.IngestArtifact(ctx, artifactPath)
//
// # Key Features
//
//   - Chunked Ingestion: Oversized upload artifacts are streamed into
//     bounded chunk files and applied as idempotent upserts
//   - Crash Recovery: Progress lives in chunk files and an atomically
//     updated job document; a scanner resumes stranded work after a crash
//   - Admission Control: Batches are gated on system health, in-flight task
//     count, and per-campaign pause flags, with degraded batch sizes under
//     pressure
//   - Rate-Limited Dispatch: Sliding minute/hour/day windows with
//     runtime-adjustable ceilings; exhausted units become dead letters,
//     never silent drops
//
// # Architecture
//
// An upload moves through the filesystem and the job document together:
//
//	processing/<artifact> → chunks/<job>/chunk_NNNN.json → completed/<artifact>
//	pending → processing → completed | partially_completed | failed
//
// Chunk files are deleted only after the job document records their
// completion, so the disk state always names exactly the work that is not
// yet accounted for. The recovery scanner in the recovery package replays
// whatever a crash left behind.
//
// # Advanced Usage
//
// Optional dependencies via options:
//
//	eng, err := bulkmail.New(cfg, mongoStore, sesSender,
//	    bulkmail.WithCache(redisCache),
//	    bulkmail.WithLogger(logger),
//	    bulkmail.WithMetrics(collector),
//	)
//
// See cmd/recover for the recovery CLI entry point.
package bulkmail
