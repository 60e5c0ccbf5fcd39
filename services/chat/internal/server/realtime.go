package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"chatline/internal/util"
	"chatline/pkg/domain"
	"chatline/pkg/realtime"
)

// handleRealtime upgrades to a websocket that streams the caller's user
// events plus the events of each requested chat the caller belongs to.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ctx := r.Context()
	topics := []string{realtime.UserTopic(user.ID)}
	seen := map[string]bool{}
	for _, raw := range r.URL.Query()["chatId"] {
		for _, chatID := range strings.Split(raw, ",") {
			chatID = strings.TrimSpace(chatID)
			if chatID == "" || seen[chatID] {
				continue
			}
			seen[chatID] = true
			if _, _, err := s.app.GetChat(ctx, user.ID, chatID); err != nil {
				s.writeAppError(w, r, err)
				return
			}
			topics = append(topics, realtime.ChatTopic(chatID))
		}
	}

	// Subscribe before upgrading so broker failures still get an HTTP status.
	sub, err := s.broker.Subscribe(ctx, topics...)
	if err != nil {
		util.LoggerFromContext(ctx).Error("realtime subscribe failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "realtime unavailable")
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		_ = sub.Close()
		return
	}
	conn := realtime.NewConnection(user.ID, ws)
	logger := util.LoggerFromContext(ctx).With("conn_id", conn.ID)
	logger.Info("realtime connected", "topics", len(topics))
	conn.Serve(ctx, sub)
	logger.Info("realtime disconnected")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
