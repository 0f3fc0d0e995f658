package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	frameStart = "---NANOCLAW_OUTPUT_START---"
	frameEnd   = "---NANOCLAW_OUTPUT_END---"
)

// Block is a single framed result block emitted by the agent process
// between frameStart/frameEnd markers (spec §4.5 I/O framing).
type Block struct {
	Status    string          `json:"status"`
	Result    *string         `json:"result"`
	SessionID string          `json:"sessionId,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ScanFrames reads lines from r until EOF, invoking onLog for free-form
// output and onBlock for each completed framed block. It returns the last
// block seen (the "final" result per spec §4.5) and any scan error.
func ScanFrames(r io.Reader, onLog func(string), onBlock func(Block)) (*Block, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		inBlock bool
		buf     strings.Builder
		last    *Block
	)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case !inBlock && line == frameStart:
			inBlock = true
			buf.Reset()
		case inBlock && line == frameEnd:
			inBlock = false
			var b Block
			if err := json.Unmarshal([]byte(buf.String()), &b); err != nil {
				if onLog != nil {
					onLog(fmt.Sprintf("malformed output frame: %v", err))
				}
				continue
			}
			last = &b
			if onBlock != nil {
				onBlock(b)
			}
		case inBlock:
			buf.WriteString(line)
		default:
			if onLog != nil {
				onLog(line)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("scan frames: %w", err)
	}
	return last, nil
}
