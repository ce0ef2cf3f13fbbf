package gateway

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/coldriver/messagepusher/internal/persistence"
)

// handleMessage serves GET /api/v1/message/{id}. The caller must own the
// message; an ownership mismatch is an auth failure, not a not-found.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.fail(w, http.StatusMethodNotAllowed, CodeParam, "method not allowed")
		return
	}
	ctx := r.Context()

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/message/")
	if id == "" || strings.Contains(id, "/") {
		s.fail(w, http.StatusBadRequest, CodeParam, "message id required")
		return
	}

	cred, ok := s.authenticate(ctx, w, r.URL.Query().Get("token"))
	if !ok {
		return
	}

	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		s.fail(w, http.StatusNotFound, CodeNotFound, "message not found")
		return
	}
	if err != nil {
		s.internalError(w, "load message", err)
		return
	}
	if msg.APITokenID != cred.ID {
		s.fail(w, http.StatusForbidden, CodeAuth, "not your message")
		return
	}

	attempts, err := s.store.ListAttemptsByMessage(ctx, msg.ID)
	if err != nil {
		s.internalError(w, "load attempts", err)
		return
	}
	channels := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		channels = append(channels, map[string]any{
			"channel_id":  a.ChannelID,
			"status":      a.Status,
			"error":       a.Error,
			"retry_count": a.RetryCount,
			"sent_at":     a.SentAt,
		})
	}

	var ai map[string]any
	aiAttempt, err := s.store.GetAIAttemptByMessage(ctx, msg.ID)
	switch {
	case err == nil:
		ai = map[string]any{
			"ai_channel_id": aiAttempt.AIChannelID,
			"status":        aiAttempt.Status,
			"result":        aiAttempt.Result,
			"error":         aiAttempt.Error,
			"retry_count":   aiAttempt.RetryCount,
			"processed_at":  aiAttempt.ProcessedAt,
		}
	case errors.Is(err, persistence.ErrNotFound):
		// no AI stage for this message
	default:
		s.internalError(w, "load ai attempt", err)
		return
	}

	s.ok(w, map[string]any{
		"message_id":  msg.ID,
		"title":       msg.Title,
		"content":     msg.Content,
		"url":         msg.URL,
		"url_content": msg.URLContent,
		"created_at":  msg.CreatedAt,
		"channels":    channels,
		"ai":          ai,
		"view_url":    s.viewURL(r, msg.ViewToken),
	})
}

var viewPage = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{if .Content}}<pre>{{.Content}}</pre>{{end}}
{{if .URL}}<p><a href="{{.URL}}">{{.URL}}</a></p>{{end}}
{{if .AIResult}}<h2>Summary</h2><pre>{{.AIResult}}</pre>{{end}}
<p><small>{{.CreatedAt}}</small></p>
</body>
</html>
`))

// handleView serves the tokenized public page for a message. The view
// token is unguessable, so no credential is required.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.fail(w, http.StatusMethodNotAllowed, CodeParam, "method not allowed")
		return
	}
	ctx := r.Context()

	token := strings.TrimPrefix(r.URL.Path, "/view/")
	if token == "" || strings.Contains(token, "/") {
		s.fail(w, http.StatusBadRequest, CodeParam, "view token required")
		return
	}

	msg, err := s.store.GetMessageByViewToken(ctx, token)
	if errors.Is(err, persistence.ErrNotFound) {
		s.fail(w, http.StatusNotFound, CodeNotFound, "not found")
		return
	}
	if err != nil {
		s.internalError(w, "load view", err)
		return
	}

	var aiResult string
	if aiAttempt, err := s.store.GetAIAttemptByMessage(ctx, msg.ID); err == nil && aiAttempt.Status == persistence.AttemptSuccess {
		aiResult = aiAttempt.Result
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = viewPage.Execute(w, map[string]string{
		"Title":     msg.Title,
		"Content":   msg.Content,
		"URL":       msg.URL,
		"AIResult":  aiResult,
		"CreatedAt": msg.CreatedAt,
	})
	if err != nil {
		s.logger.Error("view render failed", "error", err)
	}
}
