package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coldriver/messagepusher/internal/errlog"
	"github.com/coldriver/messagepusher/internal/persistence"
	"github.com/coldriver/messagepusher/internal/queue"
)

const maxPushBody = 1 << 20

// pushParams is the normalized form of a push request, whatever the
// transport encoding was.
type pushParams struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	URL      string `json:"url"`
	Channels string `json:"channels"` // pipe-separated channel ids
	AI       string `json:"ai"`
}

// parsePushParams accepts JSON and form bodies plus query parameters.
// Query values win only where the body leaves a field empty, so a token
// in the query works with any body encoding.
func parsePushParams(r *http.Request) (pushParams, error) {
	var p pushParams

	switch r.Method {
	case http.MethodGet:
		// query only
	case http.MethodPost:
		ct := r.Header.Get("Content-Type")
		switch {
		case strings.HasPrefix(ct, "application/json"):
			body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
			if err != nil {
				return p, err
			}
			if len(body) > 0 {
				if err := json.Unmarshal(body, &p); err != nil {
					return p, errors.New("malformed json body")
				}
			}
		default:
			if err := r.ParseForm(); err != nil {
				return p, errors.New("malformed form body")
			}
			p.Token = r.PostFormValue("token")
			p.Title = r.PostFormValue("title")
			p.Content = r.PostFormValue("content")
			p.URL = r.PostFormValue("url")
			p.Channels = r.PostFormValue("channels")
			p.AI = r.PostFormValue("ai")
		}
	}

	q := r.URL.Query()
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = q.Get(key)
		}
	}
	fill(&p.Token, "token")
	fill(&p.Title, "title")
	fill(&p.Content, "content")
	fill(&p.URL, "url")
	fill(&p.Channels, "channels")
	fill(&p.AI, "ai")
	return p, nil
}

func splitChannels(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, CodeParam, "method not allowed")
		return
	}
	ctx := r.Context()

	p, err := parsePushParams(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, CodeParam, err.Error())
		return
	}

	cred, ok := s.authenticate(ctx, w, p.Token)
	if !ok {
		return
	}

	if p.Title == "" && p.Content == "" && p.URL == "" {
		s.fail(w, http.StatusBadRequest, CodeParam, "at least one of title, content, url is required")
		return
	}

	channelIDs := splitChannels(p.Channels)
	if len(channelIDs) == 0 {
		channelIDs = cred.DefaultChannels
	}
	aiID := p.AI
	if aiID == "" {
		aiID = cred.DefaultAI
	}
	if len(channelIDs) == 0 && aiID == "" {
		s.fail(w, http.StatusBadRequest, CodeParam, "no channels resolved and no ai channel set")
		return
	}

	// Validate every target before any row is written, so a bad channel
	// leaves no partial message behind.
	for _, id := range channelIDs {
		ch, err := s.store.GetChannel(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			s.fail(w, http.StatusBadRequest, CodeChannel, "channel not found: "+id)
			return
		}
		if err != nil {
			s.internalError(w, "channel lookup", err)
			return
		}
		if ch.Status != persistence.TemplateEnabled {
			s.fail(w, http.StatusBadRequest, CodeChannel, "channel disabled: "+id)
			return
		}
	}
	var aiPrompt string
	if aiID != "" {
		ai, err := s.store.GetAIChannel(ctx, aiID)
		if errors.Is(err, persistence.ErrNotFound) {
			s.fail(w, http.StatusBadRequest, CodeAI, "ai channel not found: "+aiID)
			return
		}
		if err != nil {
			s.internalError(w, "ai channel lookup", err)
			return
		}
		if ai.Status != persistence.TemplateEnabled {
			s.fail(w, http.StatusBadRequest, CodeAI, "ai channel disabled: "+aiID)
			return
		}
		aiPrompt = ai.Prompt
	}

	msg := &persistence.Message{
		APITokenID: cred.ID,
		Title:      p.Title,
		Content:    p.Content,
		URL:        p.URL,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.internalError(w, "create message", err)
		return
	}
	for _, id := range channelIDs {
		attempt := &persistence.Attempt{MessageID: msg.ID, ChannelID: id}
		if err := s.store.CreateAttempt(ctx, attempt); err != nil {
			s.internalError(w, "create attempt", err)
			return
		}
	}
	if aiID != "" {
		attempt := &persistence.AIAttempt{MessageID: msg.ID, AIChannelID: aiID, Prompt: aiPrompt}
		if err := s.store.CreateAIAttempt(ctx, attempt); err != nil {
			s.internalError(w, "create ai attempt", err)
			return
		}
	}

	// The url fetch runs at High priority so delivery sees the fetched
	// content when possible. Delivery itself does not wait for it.
	if p.URL != "" {
		if _, err := s.pool.Submit(&queue.Task{
			Type:     queue.TypeUrlFetch,
			Priority: queue.PriorityHigh,
			Data:     map[string]string{"message_id": msg.ID, "url": p.URL},
		}); err != nil {
			s.internalError(w, "submit url fetch", err)
			return
		}
	}
	if len(channelIDs) > 0 {
		if _, err := s.pool.Submit(&queue.Task{
			Type:     queue.TypeSendMessage,
			Priority: queue.PriorityNormal,
			Data:     map[string]string{"message_id": msg.ID},
		}); err != nil {
			s.internalError(w, "submit send", err)
			return
		}
	}
	if aiID != "" {
		if _, err := s.pool.Submit(&queue.Task{
			Type:     queue.TypeAIProcess,
			Priority: queue.PriorityNormal,
			Data:     map[string]string{"message_id": msg.ID},
		}); err != nil {
			s.internalError(w, "submit ai", err)
			return
		}
	}

	if s.metrics != nil {
		s.metrics.MessagesPushedTotal.Inc()
	}
	s.logger.Info("message accepted", "message_id", msg.ID, "channels", len(channelIDs), "ai", aiID != "")

	var aiOut any
	if aiID != "" {
		aiOut = aiID
	}
	s.ok(w, map[string]any{
		"message_id": msg.ID,
		"channels":   channelIDs,
		"ai":         aiOut,
		"view_url":   s.viewURL(r, msg.ViewToken),
	})
}

// authenticate resolves and validates the credential, answering 1001 on
// any failure. The bool reports whether the caller may proceed.
func (s *Server) authenticate(ctx context.Context, w http.ResponseWriter, token string) (*persistence.APIToken, bool) {
	if token == "" {
		s.fail(w, http.StatusUnauthorized, CodeAuth, "token required")
		return nil, false
	}
	cred, err := s.store.GetAPITokenByValue(ctx, token)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.fail(w, http.StatusUnauthorized, CodeAuth, "invalid token")
			return nil, false
		}
		s.fail(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return nil, false
	}
	if !cred.Valid(time.Now().UTC()) {
		s.fail(w, http.StatusUnauthorized, CodeAuth, "token disabled or expired")
		return nil, false
	}
	return cred, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("internal error", "op", op, "error", err)
	if s.ledger != nil {
		s.ledger.Record(errlog.TypeGateway, op+": "+err.Error(), errlog.SeverityCritical, nil)
	}
	s.fail(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
