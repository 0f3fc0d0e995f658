package web

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewServer(s, config.WebConfig{Enabled: true}), s
}

func TestListChatsIncludesRegisteredFolder(t *testing.T) {
	srv, s := newTestServer(t)
	if err := s.UpsertChat(&store.Chat{ChatID: "chat-1", DisplayName: "Crew", Transport: "telegram", LastSeenAt: time.Now()}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	if err := s.SaveRegisteredChat(&store.RegisteredChat{ChatID: "chat-1", Folder: "crew", TriggerPhrase: "Andy", RequiresTrigger: true}); err != nil {
		t.Fatalf("save registered chat: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/chats", nil)
	rec := httptest.NewRecorder()
	srv.listChats(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); !strings.Contains(body, `"folder":"crew"`) {
		t.Fatalf("expected registered folder in response, got %s", body)
	}
}

func TestLoginRequiresConfiguredPassword(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	srv := NewServer(s, config.WebConfig{Enabled: true, Auth: "secret"})

	req := httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"password":"wrong"}`))
	rec := httptest.NewRecorder()
	srv.handleLogin(rec, req)

	if rec.Code != 401 {
		t.Fatalf("expected 401 for a wrong password, got %d", rec.Code)
	}
}

func TestListTasksReturnsSavedTask(t *testing.T) {
	srv, s := newTestServer(t)
	task := &store.ScheduledTask{
		ID: "t1", Folder: "crew", ChatID: "chat-1", Prompt: "standup",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		Status: store.TaskStatusActive, ContextMode: store.ContextModeGroup,
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	rec := httptest.NewRecorder()
	srv.listTasks(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"t1"`) {
		t.Fatalf("expected task id in response, got %s", body)
	}
}
