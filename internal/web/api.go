package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// registerAPI wires the dashboard's read-only surface: list registered
// chats, a chat's recent messages, and scheduled task status. There is
// deliberately no write path — operators who need to mutate state use the
// transport (chat commands) or IPC, not the dashboard.
func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/chats", s.listChats)
	mux.HandleFunc("GET /api/chats/{chatID}/messages", s.listMessages)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"started_at": s.startedAt,
		"uptime_s":   int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	registered, err := s.store.ListRegisteredChats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	byChatID := make(map[string]store.RegisteredChat, len(registered))
	for _, rc := range registered {
		byChatID[rc.ChatID] = rc
	}

	type chatView struct {
		store.Chat
		Folder string `json:"folder,omitempty"`
		IsMain bool   `json:"is_main,omitempty"`
	}
	out := make([]chatView, 0, len(chats))
	for _, c := range chats {
		v := chatView{Chat: c}
		if rc, ok := byChatID[c.ChatID]; ok {
			v.Folder = rc.Folder
			v.IsMain = rc.IsMain()
		}
		out = append(out, v)
	}
	jsonResponse(w, out)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	msgs, err := s.store.RecentMessages(chatID, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, msgs)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListAllTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, tasks)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
