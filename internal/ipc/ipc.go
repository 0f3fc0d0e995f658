// Package ipc watches each registered folder's IPC request directory and
// dispatches the JSON files the sandbox drops there (spec §4.4). Grounded
// on _examples/viant-agently/internal/hotswap/manager.go for the
// fsnotify watch/dispatch goroutine shape, combined with a poll-interval
// ticker fallback since the spec explicitly allows "poll the directory
// frequently (≤500 ms) or use filesystem notifications" rather than
// fsnotify alone.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

const (
	requestsDirName = "requests"
	resultsDirName  = "results"
)

type Dispatcher struct {
	store    *store.Store
	registry *registry.Registry
	sender   Sender
	loc      *time.Location

	pollInterval time.Duration

	watcher *fsnotify.Watcher
	wake    chan struct{}

	mu      sync.Mutex
	watched map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(s *store.Store, reg *registry.Registry, sender Sender, pollInterval time.Duration, loc *time.Location) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		store:        s,
		registry:     reg,
		sender:       sender,
		loc:          loc,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		watched:      make(map[string]bool),
		done:         make(chan struct{}),
	}
}

// Start watches every currently registered folder's requests directory and
// begins the poll/dispatch loop. Folders registered later (via
// register_chat) are picked up through watchFolder.
func (d *Dispatcher) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = w

	d.ctx, d.cancel = context.WithCancel(ctx)

	chats, err := d.registry.List()
	if err != nil {
		return fmt.Errorf("list registered chats: %w", err)
	}
	for _, rc := range chats {
		if err := os.MkdirAll(d.resultsDir(rc.Folder), 0o755); err != nil {
			return fmt.Errorf("create results dir for %s: %w", rc.Folder, err)
		}
		d.watchFolder(rc.Folder)
	}

	go d.watchLoop()
	go d.dispatchLoop()

	return nil
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	<-d.done
}

// watchFolder adds folder's requests directory to the fsnotify watch set
// and ensures its results directory exists. Safe to call repeatedly.
func (d *Dispatcher) watchFolder(folder string) {
	d.mu.Lock()
	already := d.watched[folder]
	d.watched[folder] = true
	d.mu.Unlock()
	if already {
		return
	}

	reqDir := d.requestsDir(folder)
	if err := os.MkdirAll(reqDir, 0o755); err != nil {
		slog.Error("create ipc requests dir", "folder", folder, "error", err)
		return
	}
	if err := os.MkdirAll(d.resultsDir(folder), 0o755); err != nil {
		slog.Error("create ipc results dir", "folder", folder, "error", err)
		return
	}
	if d.watcher != nil {
		if err := d.watcher.Add(reqDir); err != nil {
			slog.Error("watch ipc requests dir", "folder", folder, "error", err)
		}
	}
}

func (d *Dispatcher) requestsDir(folder string) string {
	return filepath.Join(d.registry.IPCPath(folder), requestsDirName)
}

func (d *Dispatcher) resultsDir(folder string) string {
	return filepath.Join(d.registry.IPCPath(folder), resultsDirName)
}

func (d *Dispatcher) watchLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.safeRequestScan()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("ipc watcher error", "error", err)
		}
	}
}

func (d *Dispatcher) safeRequestScan() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ipc watch loop recovered from panic", "panic", r)
		}
	}()
	d.requestScan()
}

func (d *Dispatcher) requestScan() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single serial scanner: both fsnotify events and the
// poll ticker only ever request a scan, they never scan concurrently with
// each other.
func (d *Dispatcher) dispatchLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.safeScanOnce()
		case <-d.wake:
			d.safeScanOnce()
		}
	}
}

// safeScanOnce recovers a panic from one sweep (e.g. a malformed request
// file tripping an unexpected code path) so the dispatcher keeps serving
// every other folder instead of dying silently (spec §7).
func (d *Dispatcher) safeScanOnce() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ipc dispatch loop recovered from panic", "panic", r)
		}
	}()
	d.scanOnce()
}

// scanOnce walks every watched folder's requests directory in filename
// order (names begin with a monotonic timestamp, spec §4.4 fairness) and
// processes each file found.
func (d *Dispatcher) scanOnce() {
	d.mu.Lock()
	folders := make([]string, 0, len(d.watched))
	for f := range d.watched {
		folders = append(folders, f)
	}
	d.mu.Unlock()
	sort.Strings(folders)

	for _, folder := range folders {
		d.scanFolder(folder)
	}
}

func (d *Dispatcher) scanFolder(folder string) {
	dir := d.requestsDir(folder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("read ipc requests dir", "folder", folder, "error", err)
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		d.processFile(folder, filepath.Join(dir, name))
	}
}

func (d *Dispatcher) processFile(folder, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("read ipc request file", "path", path, "error", err)
		}
		return
	}

	e, err := parseEnvelope(data, folder)
	if err != nil {
		slog.Warn("rejecting ipc request", "path", path, "error", err)
		d.removeFile(path)
		return
	}

	r := d.handle(d.ctx, e)

	if r.retry {
		slog.Warn("ipc request will be retried", "path", path, "error", r.Error)
		return
	}

	if e.RequestID != "" {
		if err := d.writeReply(folder, e.RequestID, r); err != nil {
			slog.Error("write ipc reply", "path", path, "error", err)
			// Leave the request file in place; at-least-once means a
			// later sweep retries both the handling and the reply write.
			return
		}
	}

	d.removeFile(path)
}

func (d *Dispatcher) writeReply(folder, requestID string, r *reply) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	path := filepath.Join(d.resultsDir(folder), requestID+".json")
	return os.WriteFile(path, data, 0o644)
}

func (d *Dispatcher) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("remove ipc request file", "path", path, "error", err)
	}
}
