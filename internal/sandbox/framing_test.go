package sandbox

import (
	"strings"
	"testing"
)

func TestScanFramesExtractsFinalBlock(t *testing.T) {
	input := strings.Join([]string{
		"starting up",
		frameStart,
		`{"status":"success","result":"hello"}`,
		frameEnd,
		"done",
	}, "\n")

	var logs []string
	var blocks []Block
	final, err := ScanFrames(strings.NewReader(input), func(l string) { logs = append(logs, l) }, func(b Block) { blocks = append(blocks, b) })
	if err != nil {
		t.Fatalf("scan frames: %v", err)
	}
	if final == nil || final.Status != StatusSuccess || final.Result == nil || *final.Result != "hello" {
		t.Fatalf("unexpected final block: %+v", final)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 log lines, got %v", logs)
	}
}

func TestScanFramesKeepsLastOfMultipleBlocks(t *testing.T) {
	input := strings.Join([]string{
		frameStart,
		`{"status":"success","result":"partial one"}`,
		frameEnd,
		"more log output",
		frameStart,
		`{"status":"success","result":"final answer","sessionId":"sess-1"}`,
		frameEnd,
	}, "\n")

	final, err := ScanFrames(strings.NewReader(input), nil, nil)
	if err != nil {
		t.Fatalf("scan frames: %v", err)
	}
	if final == nil || *final.Result != "final answer" || final.SessionID != "sess-1" {
		t.Fatalf("unexpected final block: %+v", final)
	}
}

func TestScanFramesNoBlockReturnsNil(t *testing.T) {
	final, err := ScanFrames(strings.NewReader("just some log lines\nnothing framed\n"), nil, nil)
	if err != nil {
		t.Fatalf("scan frames: %v", err)
	}
	if final != nil {
		t.Fatalf("expected no final block, got %+v", final)
	}
}

func TestScanFramesMalformedJSONIsLoggedAndSkipped(t *testing.T) {
	input := strings.Join([]string{
		frameStart,
		`not valid json`,
		frameEnd,
	}, "\n")

	var logs []string
	final, err := ScanFrames(strings.NewReader(input), func(l string) { logs = append(logs, l) }, nil)
	if err != nil {
		t.Fatalf("scan frames: %v", err)
	}
	if final != nil {
		t.Fatalf("expected no final block for malformed frame, got %+v", final)
	}
	if len(logs) != 1 {
		t.Fatalf("expected malformed frame to be logged, got %v", logs)
	}
}
