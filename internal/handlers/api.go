package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/ingest"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

const defaultListLimit = 50

// ListConversations handles GET /api/v1/conversations.
func ListConversations(store ingest.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := store.ListConversations(r.Context(), listLimit(r))
		if err != nil {
			log.Error("list conversations failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if convs == nil {
			convs = []models.Conversation{}
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, log, map[string]any{"conversations": convs})
	}
}

// ListMessages handles GET /api/v1/conversations/{id}/messages.
func ListMessages(store ingest.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		msgs, err := store.ListMessages(r.Context(), id, listLimit(r))
		if err != nil {
			log.Error("list messages failed", zap.String("conversation_id", id), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, log, map[string]any{"messages": msgs})
	}
}

func listLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultListLimit
}
