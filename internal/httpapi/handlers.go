package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

type notifyRequest struct {
	SessionID string   `json:"session_id"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	CWD       string   `json:"cwd"`
	Buttons   []string `json:"buttons,omitempty"`
}

type notifyResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
}

type replyResponse struct {
	HasReply bool   `json:"has_reply"`
	Reply    string `json:"reply,omitempty"`
	Action   string `json:"action,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, notifyResponse{OK: false, Error: "invalid json body"})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, notifyResponse{OK: false, Error: "session_id is required"})
		return
	}
	if !relay.ValidStatus(req.Status) {
		writeJSON(w, http.StatusBadRequest, notifyResponse{OK: false, Error: "status must be completed, permission or idle"})
		return
	}

	sess := s.store.CreateOrUpdate(req.SessionID, req.Summary, req.CWD, req.Buttons)

	ref, err := s.deliverer.Deliver(r.Context(), sess, req.Status)
	if err != nil {
		// The session stays pending; the hook client owns notify retry.
		s.log.Warn("notify delivery failed",
			logx.String("session_id", req.SessionID),
			logx.Err(err))
		writeJSON(w, http.StatusOK, notifyResponse{OK: false, Error: err.Error()})
		return
	}

	s.store.MarkNotified(req.SessionID, ref)
	threadID := ref.MessageID
	if cur, ok := s.store.Get(req.SessionID); ok && cur.ThreadBound() {
		threadID = cur.ThreadRef.MessageID
	}
	writeJSON(w, http.StatusOK, notifyResponse{OK: true, ThreadID: threadID, MessageID: ref.MessageID})
}

// handleReply is the non-blocking poll endpoint. An unknown or expired
// session answers has_reply=false, never 404, so a late poll after TTL
// expiry degrades gracefully.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	text, action, ok := s.store.PeekReply(id)
	if !ok {
		writeJSON(w, http.StatusOK, replyResponse{HasReply: false})
		return
	}
	writeJSON(w, http.StatusOK, replyResponse{HasReply: true, Reply: text, Action: string(action)})
}

// handleAck always reports success: client-side network retries make
// double acks routine, and there is nothing useful a client could do with
// a failure here anyway.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, consumed := s.store.Ack(id)
	if consumed && sess.ThreadBound() {
		// Confirmation toward the operator, off the request path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = s.deliverer.SendAck(ctx, sess)
		}()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
