// Package splitter implements the Outbound Splitter (spec §4.7): it turns
// one long reply into transport-sized segments, sends them to a chat in
// order, and retries a segment's send with backoff before giving up.
// Grounded on the teacher's internal/telegram/send.go chunkMessage (a
// single-boundary newline splitter with a hardcoded limit), generalized
// to a paragraph/sentence/whitespace boundary hierarchy that also keeps
// fenced code blocks from being cut in half, and lifted out of the
// transport layer so every Transport shares the same splitting and retry
// behavior instead of reimplementing it.
package splitter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxLength is used when a transport reports no limit.
const DefaultMaxLength = 4096

// DefaultMaxRetries matches spec §4.7 "retries with exponential backoff
// (default: 3 attempts)".
const DefaultMaxRetries = 3

// Transport is the outbound half of transport.Transport the splitter
// needs: somewhere to send a sized segment, and the size it must not
// exceed.
type Transport interface {
	Send(ctx context.Context, chatID, text string) error
	MaxMessageLength() int
}

// Splitter is the Group Queue's Sender: it satisfies the same
// Send(ctx, chatID, text) signature transports do, so wiring it in place
// of a raw transport requires no change on the caller's side.
type Splitter struct {
	transport  Transport
	maxRetries int
}

func New(t Transport) *Splitter {
	return &Splitter{transport: t, maxRetries: DefaultMaxRetries}
}

// Send splits text at transport.MaxMessageLength() and delivers every
// segment in order, waiting for each Send to complete before starting the
// next (spec §4.7 "sends segments sequentially, awaiting each Send call").
// The first segment that exhausts its retry budget stops delivery and
// returns the error; the caller treats that as a failed delivery, which
// per spec §4.3's cursor-advancement invariant must not let the cursor
// move past the batch that produced this reply.
func (s *Splitter) Send(ctx context.Context, chatID, text string) error {
	max := s.transport.MaxMessageLength()
	if max <= 0 {
		max = DefaultMaxLength
	}
	segments := Split(text, max)
	for i, seg := range segments {
		if err := s.sendWithRetry(ctx, chatID, seg); err != nil {
			return fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
	}
	return nil
}

func (s *Splitter) sendWithRetry(ctx context.Context, chatID, seg string) error {
	maxRetries := s.maxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := s.transport.Send(ctx, chatID, seg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-time.After(retryBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// Split breaks text into segments no longer than max, preferring to cut at
// a paragraph break, then a sentence boundary, then whitespace, only
// falling back to a hard cut when none of those exist within the window.
// Concatenating the returned segments reconstructs text exactly (spec §8:
// "message of exactly max size -> one segment; max+1 -> two segments that
// reconstruct the original"), except when a fenced code block itself runs
// past max: that segment boundary never falls inside the fence (spec §4.7)
// but instead closes the fence at the end of one segment and reopens it at
// the start of the next, so the two segments no longer concatenate back to
// the original bytes but each renders as valid markdown on its own.
func Split(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxLength
	}
	if len(text) <= max {
		return []string{text}
	}

	var segments []string
	remaining := text
	for len(remaining) > max {
		cut, reopenFence := findCutPoint(remaining, max)
		seg := remaining[:cut]
		rest := remaining[cut:]
		if reopenFence {
			seg += fenceCloser
			rest = fenceReopener + rest
		}
		segments = append(segments, seg)
		remaining = rest
	}
	if remaining != "" {
		segments = append(segments, remaining)
	}
	return segments
}

// fenceCloser/fenceReopener are inserted around a forced cut inside an
// unclosed fence so both resulting segments stay valid markdown on their
// own (spec §4.7 "close and reopen fences across segments if necessary").
const (
	fenceCloser   = "\n```"
	fenceReopener = "```\n"
)

// findCutPoint picks where to end the next segment of text, which is
// known to be longer than max. It never returns a point that falls
// strictly inside a fenced code block unless the block itself starts at
// offset 0 and runs past max, in which case there is nowhere earlier to
// cut; reopenFence reports that case so the caller closes and reopens the
// fence around the forced cut instead of splitting it in half silently.
func findCutPoint(text string, max int) (cut int, reopenFence bool) {
	cut = bestBoundary(text, max)

	if fr, ok := enclosingFence(text, cut); ok {
		if fr.start > 0 {
			return fr.start, false
		}
		return fenceForceCut(max), true
	}
	if cut <= 0 {
		cut = max
	}
	return cut, false
}

// fenceForceCut reserves room for fenceCloser so the closed-out segment
// still respects max.
func fenceForceCut(max int) int {
	cut := max - len(fenceCloser)
	if cut <= 0 {
		cut = max
	}
	return cut
}

// bestBoundary searches the first max bytes of text for a paragraph break,
// then a sentence break, then whitespace, each required to fall past the
// first quarter of the window so a degenerate near-start match doesn't
// produce tiny segments.
func bestBoundary(text string, max int) int {
	window := text[:max]
	minIdx := max / 4

	if idx := strings.LastIndex(window, "\n\n"); idx > minIdx {
		return idx + 2
	}
	if idx := lastSentenceBoundary(window); idx > minIdx {
		return idx
	}
	if idx := strings.LastIndexAny(window, " \t\n"); idx > minIdx {
		return idx + 1
	}
	return max
}

var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

func lastSentenceBoundary(window string) int {
	best := -1
	for _, sep := range sentenceEnders {
		if idx := strings.LastIndex(window, sep); idx >= 0 && idx+len(sep) > best {
			best = idx + len(sep)
		}
	}
	return best
}

// fenceRange is a ``` ... ``` block's byte span in the text it was found
// in. end is exclusive and reaches len(text) if the fence is never closed.
type fenceRange struct {
	start, end int
}

func enclosingFence(text string, idx int) (fenceRange, bool) {
	for _, fr := range fenceRanges(text) {
		if idx > fr.start && idx < fr.end {
			return fr, true
		}
	}
	return fenceRange{}, false
}

func fenceRanges(text string) []fenceRange {
	var ranges []fenceRange
	openAt := -1
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		lineEnd := offset + len(line)
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if openAt < 0 {
				openAt = offset
			} else {
				ranges = append(ranges, fenceRange{openAt, lineEnd})
				openAt = -1
			}
		}
		offset = lineEnd + 1
	}
	if openAt >= 0 {
		ranges = append(ranges, fenceRange{openAt, len(text)})
	}
	return ranges
}
