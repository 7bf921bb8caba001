// Package pipeline drives batches of references through the stage tables:
// enrichment, download queueing, and the concurrent download loop.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/download"
	"github.com/refpipe/backend/internal/identity"
	"github.com/refpipe/backend/internal/matcher"
	"github.com/refpipe/backend/internal/ratelimit"
)

// Failure reasons written to status_notes; retry commands clear them.
const (
	ReasonMetadataFetchFailed = "metadata_fetch_failed"
	ReasonDownloadFailed      = "download_failed"
	ReasonQuotaExhausted      = "quota_exhausted"
)

// Counters summarizes one batch pass.
type Counters struct {
	Processed        int
	Promoted         int
	Failed           int
	SkippedDuplicate int
}

// Scheduler owns the batch passes. DB writes always happen on the calling
// goroutine; download workers only fetch.
type Scheduler struct {
	store     domain.ReferenceStore
	matcher   *matcher.Matcher
	resolver  *download.Resolver
	matchOpts matcher.Options

	processed atomic.Int64
}

func NewScheduler(store domain.ReferenceStore, m *matcher.Matcher, r *download.Resolver, opts matcher.Options) *Scheduler {
	return &Scheduler{store: store, matcher: m, resolver: r, matchOpts: opts}
}

// Processed reports rows handled across all batch passes so far. Safe to call
// from a progress-logging goroutine while a batch is running.
func (s *Scheduler) Processed() int64 { return s.processed.Load() }

// EnrichBatch pulls up to limit rows from no_metadata, matches each against
// the bibliographic sources, and promotes matches to with_metadata. A spent
// daily quota fails the current row with quota_exhausted and stops the batch;
// the untouched remainder is picked up by a later run.
func (s *Scheduler) EnrichBatch(ctx context.Context, limit int) (Counters, error) {
	var c Counters
	refs, err := s.store.FetchBatch(ctx, domain.StageNoMetadata, limit)
	if err != nil {
		return c, err
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		c.Processed++
		s.processed.Add(1)
		start := time.Now()
		fields := log.Fields{"id": ref.ID, "stage": domain.StageNoMetadata, "title": ref.Title}

		match, err := s.matcher.Match(ctx, ref, s.matchOpts)
		switch {
		case errors.Is(err, matcher.ErrQuotaExhausted):
			if ferr := s.store.RecordFailure(ctx, ref.ID, domain.StageNoMetadata, domain.StageFailedEnrichments, ReasonQuotaExhausted); ferr != nil {
				return c, ferr
			}
			c.Failed++
			log.WithFields(fields).Warn("search quota exhausted, stopping batch")
			return c, nil
		case err != nil, match == nil:
			if err != nil {
				fields["error"] = err.Error()
			}
			if ferr := s.store.RecordFailure(ctx, ref.ID, domain.StageNoMetadata, domain.StageFailedEnrichments, ReasonMetadataFetchFailed); ferr != nil {
				return c, ferr
			}
			c.Failed++
			log.WithFields(fields).WithField("duration", time.Since(start)).Info("enrichment failed")
			continue
		}

		enriched := match.Ref
		table, existingID, field, err := s.store.CheckIfExists(ctx, enriched.DOI, enriched.OpenAlexID, enriched.Title, enriched.Authors, domain.StageNoMetadata, ref.ID)
		if err != nil {
			return c, err
		}
		if table != "" {
			if err := s.store.MoveToDuplicates(ctx, ref.ID, domain.StageNoMetadata, table, existingID, field); err != nil {
				return c, err
			}
			c.SkippedDuplicate++
			log.WithFields(fields).WithFields(log.Fields{"matched_table": table, "matched_on": field}).Info("enriched into existing reference")
			continue
		}

		if _, err := s.store.Promote(ctx, ref.ID, domain.StageNoMetadata, domain.StageWithMetadata, enriched); err != nil {
			return c, err
		}
		c.Promoted++

		if err := s.recordEdges(ctx, match); err != nil {
			log.WithFields(fields).WithError(err).Warn("recording citation edges failed")
		}
		log.WithFields(fields).WithFields(log.Fields{
			"openalex_id": enriched.OpenAlexID,
			"step":        match.FirstFoundInStep,
			"score":       match.AuthorScore,
			"duration":    time.Since(start),
		}).Info("enriched")
	}
	return c, nil
}

// recordEdges persists this work's outbound references and inbound citations.
func (s *Scheduler) recordEdges(ctx context.Context, match *matcher.Match) error {
	workID := identity.NormalizeOpenAlexID(match.Work.ID)
	if workID == "" {
		return nil
	}
	var edges []domain.CitationEdge
	for _, raw := range match.Work.ReferencedWorks {
		if target := identity.NormalizeOpenAlexID(raw); target != "" {
			edges = append(edges, domain.CitationEdge{SourceWorkID: workID, TargetWorkID: target})
		}
	}
	for _, w := range match.CitingWorks {
		if source := identity.NormalizeOpenAlexID(w.ID); source != "" {
			edges = append(edges, domain.CitationEdge{SourceWorkID: source, TargetWorkID: workID})
		}
	}
	return s.store.AddCitationEdges(ctx, edges)
}

// QueueBatch drains with_metadata into to_download_references. Each row is
// re-checked against every table first, since an earlier batch may have
// landed the same work while this row sat staged.
func (s *Scheduler) QueueBatch(ctx context.Context, limit int) (Counters, error) {
	var c Counters
	refs, err := s.store.FetchBatch(ctx, domain.StageWithMetadata, limit)
	if err != nil {
		return c, err
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		c.Processed++
		s.processed.Add(1)

		table, existingID, field, err := s.store.CheckIfExists(ctx, ref.DOI, ref.OpenAlexID, ref.Title, ref.Authors, domain.StageWithMetadata, ref.ID)
		if err != nil {
			return c, err
		}
		if table != "" {
			if err := s.store.MoveToDuplicates(ctx, ref.ID, domain.StageWithMetadata, table, existingID, field); err != nil {
				return c, err
			}
			c.SkippedDuplicate++
			log.WithFields(log.Fields{"id": ref.ID, "matched_table": table, "matched_on": field}).Info("queued row was a duplicate")
			continue
		}

		if _, err := s.store.Promote(ctx, ref.ID, domain.StageWithMetadata, domain.StageToDownload, nil); err != nil {
			return c, err
		}
		c.Promoted++
	}
	return c, nil
}

type downloadOutcome struct {
	ref      *domain.Reference
	res      *download.Result
	err      error
	duration time.Duration
}

// DownloadBatch pulls up to limit rows from to_download_references and runs
// the resolver across a worker pool of the given size. Workers only fetch;
// all stage moves happen here, one at a time.
func (s *Scheduler) DownloadBatch(ctx context.Context, limit, concurrency int) (Counters, error) {
	var c Counters
	refs, err := s.store.FetchBatch(ctx, domain.StageToDownload, limit)
	if err != nil {
		return c, err
	}
	if len(refs) == 0 {
		return c, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	// Workers always return nil, so gctx only cancels through this cancel.
	// Deferring it means an early error return below unblocks any worker
	// still waiting to send its outcome.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan downloadOutcome)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	go func() {
		for _, ref := range refs {
			ref := ref
			g.Go(func() error {
				start := time.Now()
				res, err := s.resolver.Resolve(gctx, ref)
				select {
				case outcomes <- downloadOutcome{ref: ref, res: res, err: err, duration: time.Since(start)}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		g.Wait()
		close(outcomes)
	}()

	for out := range outcomes {
		c.Processed++
		s.processed.Add(1)
		fields := log.Fields{"id": out.ref.ID, "stage": domain.StageToDownload, "title": out.ref.Title, "duration": out.duration}

		if out.err != nil {
			reason := ReasonDownloadFailed
			if ratelimit.IsQuotaError(out.err) {
				reason = ReasonQuotaExhausted
			}
			if errors.Is(out.err, context.Canceled) {
				continue
			}
			if ferr := s.store.RecordFailure(ctx, out.ref.ID, domain.StageToDownload, domain.StageFailedDownloads, reason); ferr != nil {
				return c, ferr
			}
			c.Failed++
			log.WithFields(fields).WithError(out.err).Info("download failed")
			continue
		}

		updated := *out.ref
		updated.FilePath = out.res.FilePath
		updated.ChecksumPDF = out.res.Checksum
		updated.URLSource = out.res.Source
		now := time.Now().UTC()
		updated.DateDone = &now

		if _, err := s.store.Promote(ctx, out.ref.ID, domain.StageToDownload, domain.StageDownloaded, &updated); err != nil {
			return c, err
		}
		c.Promoted++
		log.WithFields(fields).WithFields(log.Fields{"source": out.res.Source, "pages": out.res.Pages}).Info("downloaded")
	}
	return c, ctx.Err()
}
