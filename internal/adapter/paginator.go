package adapter

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/collection-scanner/internal/errors"
	"github.com/collection-scanner/internal/logging"
)

const (
	// MaxWindowSize is the hard provider limit on blocks per log query
	MaxWindowSize uint64 = 2000
	// UncleSafetyMargin is subtracted from the chain head before a block is
	// treated as final, to avoid indexing blocks later orphaned by a reorg
	UncleSafetyMargin uint64 = 6
	// emptyWindowWidenThreshold is the consecutive-empty-window count after
	// which one widened query is attempted for the rest of the range
	emptyWindowWidenThreshold = 5
)

// RangeQuery fetches all matching events in the inclusive block window [from, to]
type RangeQuery func(ctx context.Context, from, to uint64) ([]ethtypes.Log, error)

// Chunk is one emitted slice of a paginated log walk. Progress is a
// monotonically non-decreasing percentage of blocks covered so far, rounded
// to two decimals; it is for status reporting, not correctness.
type Chunk struct {
	Events    []ethtypes.Log
	FromBlock uint64
	ToBlock   uint64
	Progress  float64
}

// ChunkResult pairs a chunk with a terminal error for channel consumers
type ChunkResult struct {
	Chunk Chunk
	Err   error
}

// HeadReader resolves the current chain head
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// PaginateOptions configures one paginator invocation
type PaginateOptions struct {
	FromBlock uint64
	// ToBlock is the last block to cover. 0 means the current head minus
	// the uncle-safety margin.
	ToBlock uint64
	// PageSize is the initial window size; capped at MaxWindowSize
	PageSize uint64
	// MaxAttempts bounds transient retries per window (default 5)
	MaxAttempts int
	// RetryDelay is the fixed backoff between transient retries (default 2s)
	RetryDelay time.Duration
}

func (o PaginateOptions) withDefaults() PaginateOptions {
	if o.PageSize == 0 || o.PageSize > MaxWindowSize {
		o.PageSize = MaxWindowSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// Paginator walks a block range in bounded windows, adaptively resizing on
// provider errors. Deduplication is the caller's responsibility.
type Paginator struct {
	head HeadReader
}

// NewPaginator creates a paginator resolving "latest" against head
func NewPaginator(head HeadReader) *Paginator {
	return &Paginator{head: head}
}

// recommendedRangeRe matches provider error messages embedding a suggested
// valid block range, e.g. "Try with this block range [0x7c3e92, 0x7c4b1a]".
var recommendedRangeRe = regexp.MustCompile(`\[\s*0x([0-9a-fA-F]+)\s*,\s*0x([0-9a-fA-F]+)\s*\]`)

func parseRecommendedRange(err error) (from, to uint64, ok bool) {
	m := recommendedRangeRe.FindStringSubmatch(err.Error())
	if len(m) != 3 {
		return 0, 0, false
	}
	from, err1 := strconv.ParseUint(m[1], 16, 64)
	to, err2 := strconv.ParseUint(m[2], 16, 64)
	if err1 != nil || err2 != nil || to < from {
		return 0, 0, false
	}
	return from, to, true
}

func roundProgress(covered, total uint64) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(covered)/float64(total)*100*100) / 100
}

// Paginate walks [FromBlock, effective max block] and pushes every chunk to
// fn in increasing block order. Windows are contiguous, non-overlapping and
// never wider than MaxWindowSize. A fn error stops the walk.
func (p *Paginator) Paginate(ctx context.Context, opts PaginateOptions, query RangeQuery, fn func(Chunk) error) error {
	opts = opts.withDefaults()
	logger := logging.FromContext(ctx)

	maxBlock := opts.ToBlock
	if maxBlock == 0 {
		head, err := p.head.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve chain head: %w", err)
		}
		if head <= UncleSafetyMargin {
			return nil
		}
		maxBlock = head - UncleSafetyMargin
	}
	if opts.FromBlock > maxBlock {
		return nil
	}

	total := maxBlock - opts.FromBlock + 1
	from := opts.FromBlock
	pageSize := opts.PageSize
	emptyStreak := 0

	for from <= maxBlock {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Sparse-range optimization: after enough empty windows, try the
		// whole remainder in one call. On failure, fall back to windowing.
		if emptyStreak >= emptyWindowWidenThreshold && from+pageSize-1 < maxBlock {
			events, err := query(ctx, from, maxBlock)
			if err == nil {
				return fn(Chunk{
					Events:    events,
					FromBlock: from,
					ToBlock:   maxBlock,
					Progress:  100,
				})
			}
			logger.WithError(err).Debug("Widened log query failed, resuming windowed pagination")
			emptyStreak = 0
		}

		to := from + pageSize - 1
		if to > maxBlock {
			to = maxBlock
		}

		events, newFrom, newPageSize, err := p.queryWindow(ctx, opts, query, from, to, maxBlock, pageSize)
		if err != nil {
			return err
		}
		// queryWindow may have narrowed or jumped the window; re-derive its end
		from, pageSize = newFrom, newPageSize
		to = from + pageSize - 1
		if to > maxBlock {
			to = maxBlock
		}
		if len(events) == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
		}

		chunk := Chunk{
			Events:    events,
			FromBlock: from,
			ToBlock:   to,
			Progress:  roundProgress(to-opts.FromBlock+1, total),
		}
		if err := fn(chunk); err != nil {
			return err
		}

		from = to + 1
	}

	return nil
}

// queryWindow executes one window query with adaptive narrowing and bounded
// transient retries. It returns the events plus the possibly-adjusted window
// start and page size actually used.
func (p *Paginator) queryWindow(ctx context.Context, opts PaginateOptions, query RangeQuery, from, to, maxBlock, pageSize uint64) ([]ethtypes.Log, uint64, uint64, error) {
	logger := logging.FromContext(ctx)
	attempts := 0

	for {
		events, err := query(ctx, from, to)
		if err == nil {
			return events, from, pageSize, nil
		}

		switch {
		case errors.IsFatal(err):
			return nil, from, pageSize, err

		case errors.IsRangeTooLarge(err):
			if recFrom, recTo, ok := parseRecommendedRange(err); ok && recFrom >= from && recFrom <= to {
				pageSize = recTo - recFrom + 1
				if pageSize > MaxWindowSize {
					pageSize = MaxWindowSize
				}
				from = recFrom
			} else if pageSize > 1 {
				pageSize = pageSize / 2
			} else {
				return nil, from, pageSize, fmt.Errorf("provider rejected minimal window [%d, %d]: %w", from, to, err)
			}
			to = from + pageSize - 1
			if to > maxBlock {
				to = maxBlock
			}
			logger.WithFields(map[string]interface{}{
				"from":     from,
				"to":       to,
				"pageSize": pageSize,
			}).Debug("Narrowed block window after provider range error")

		case errors.IsTransient(err) || errors.Classify(err) == errors.CategoryUnknown:
			attempts++
			if attempts >= opts.MaxAttempts {
				return nil, from, pageSize, fmt.Errorf("window [%d, %d] failed after %d attempts: %w", from, to, attempts, err)
			}
			logger.WithFields(map[string]interface{}{
				"from":    from,
				"to":      to,
				"attempt": attempts,
				"error":   err.Error(),
			}).Warn("Log window query failed, retrying")
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				return nil, from, pageSize, ctx.Err()
			}

		default:
			return nil, from, pageSize, err
		}
	}
}

// Collect materializes every matching event in the range into one slice
func (p *Paginator) Collect(ctx context.Context, opts PaginateOptions, query RangeQuery) ([]ethtypes.Log, error) {
	var all []ethtypes.Log
	err := p.Paginate(ctx, opts, query, func(c Chunk) error {
		all = append(all, c.Events...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// Stream returns a lazily-pulled sequence of chunks. The channel is
// unbuffered so a slow consumer applies backpressure to the walk; the last
// item carries any terminal error. Cancel ctx to abandon the stream.
func (p *Paginator) Stream(ctx context.Context, opts PaginateOptions, query RangeQuery) <-chan ChunkResult {
	out := make(chan ChunkResult)
	go func() {
		defer close(out)
		err := p.Paginate(ctx, opts, query, func(c Chunk) error {
			select {
			case out <- ChunkResult{Chunk: c}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case out <- ChunkResult{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
