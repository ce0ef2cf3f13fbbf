package request

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coldriver/messagepusher/internal/persistence"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxContentLength = 1 << 20 // 1 MiB
)

// Result is the raw outcome of one outbound call. Err is set only when no
// HTTP response was produced at all.
type Result struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Outcome classifies the result for the dispatch state machine.
func (r *Result) Outcome() Outcome {
	return Classify(r.StatusCode, r.Err)
}

// Error renders the result as an attempt error string.
func (r *Result) Error() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	body := string(r.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("http %d: %s", r.StatusCode, body)
}

// Builder turns channel templates plus a message into outbound HTTP calls.
// One shared client per distinct proxy configuration; clients are never
// built per request.
type Builder struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewBuilder(timeout time.Duration, logger *slog.Logger) *Builder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		timeout: timeout,
		logger:  logger.With("component", "request"),
		clients: make(map[string]*http.Client),
	}
}

// clientFor returns the shared client for a proxy configuration. The map
// has per-scheme proxy URLs under the "http" and "https" keys; nil means
// direct.
func (b *Builder) clientFor(proxy map[string]string) (*http.Client, error) {
	key := proxyKey(proxy)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[key]; ok {
		return c, nil
	}

	client := &http.Client{Timeout: b.timeout}
	if len(proxy) > 0 {
		httpProxy, err := parseProxyURL(proxy["http"])
		if err != nil {
			return nil, err
		}
		httpsProxy, err := parseProxyURL(proxy["https"])
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				if req.URL.Scheme == "https" {
					if httpsProxy != nil {
						return httpsProxy, nil
					}
					return httpProxy, nil
				}
				if httpProxy != nil {
					return httpProxy, nil
				}
				return httpsProxy, nil
			},
		}
	}
	b.clients[key] = client
	return client, nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url %q: %w", raw, err)
	}
	return u, nil
}

func proxyKey(proxy map[string]string) string {
	if len(proxy) == 0 {
		return ""
	}
	keys := make([]string, 0, len(proxy))
	for k := range proxy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(proxy[k])
		sb.WriteByte(';')
	}
	return sb.String()
}

// SendChannel builds and executes the call described by a channel template
// for one message. The returned Result is non-nil whenever err is nil.
func (b *Builder) SendChannel(ctx context.Context, tpl *persistence.Channel, msg *persistence.Message) (*Result, error) {
	env := ChannelEnv(tpl, msg)
	apiURL := Substitute(tpl.APIURL, env)
	params := SubstituteAll(tpl.Params, env)
	headers := SubstituteAll(tpl.Headers, env)

	method := strings.ToUpper(tpl.Method)
	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = buildQueryRequest(ctx, method, apiURL, params)
	case http.MethodPost, http.MethodPut:
		req, err = buildBodyRequest(ctx, method, apiURL, tpl.ContentType, params)
	default:
		return nil, fmt.Errorf("unsupported method %q", tpl.Method)
	}
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)

	return b.execute(req, tpl.Proxy)
}

// SendAI executes an AI template. The body is always JSON: the substituted
// template params merged over a chat-completions default.
func (b *Builder) SendAI(ctx context.Context, tpl *persistence.AIChannel, msg *persistence.Message) (*Result, error) {
	env := AIEnv(tpl, msg)
	apiURL := Substitute(tpl.APIURL, env)
	params := SubstituteAll(tpl.Params, env)
	headers := SubstituteAll(tpl.Headers, env)

	userContent := msg.Content
	if userContent == "" {
		userContent = msg.Title
	}
	if userContent == "" {
		userContent = msg.URL
	}
	body := map[string]any{
		"model": tpl.Model,
		"messages": []map[string]string{
			{"role": "system", "content": Substitute(tpl.Prompt, env)},
			{"role": "user", "content": userContent},
		},
	}
	for k, v := range params {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode ai body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build ai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, headers)

	return b.execute(req, tpl.Proxy)
}

// FetchURL retrieves up to maxBytes of the url's body. Bytes past the cap
// are discarded, not an error.
func (b *Builder) FetchURL(ctx context.Context, rawURL string, maxBytes int64) (*Result, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContentLength
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	client, err := b.clientFor(nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return &Result{Err: err}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return &Result{Err: fmt.Errorf("read body: %w", err)}, nil
	}
	return &Result{StatusCode: resp.StatusCode, Body: body}, nil
}

// execute runs the call. A malformed proxy config is a template error and
// comes back as err, never dressed up as a remote response.
func (b *Builder) execute(req *http.Request, proxy map[string]string) (*Result, error) {
	client, err := b.clientFor(proxy)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		b.logger.Debug("outbound call failed", "url", req.URL.Redacted(), "error", err)
		return &Result{Err: err}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxContentLength))
	if err != nil {
		return &Result{Err: fmt.Errorf("read body: %w", err)}, nil
	}
	b.logger.Debug("outbound call finished", "url", req.URL.Redacted(),
		"status", resp.StatusCode, "elapsed", time.Since(start).String())
	return &Result{StatusCode: resp.StatusCode, Body: body}, nil
}

func buildQueryRequest(ctx context.Context, method, apiURL string, params map[string]string) (*http.Request, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

func buildBodyRequest(ctx context.Context, method, apiURL, contentType string, params map[string]string) (*http.Request, error) {
	var body []byte
	var mime string
	switch contentType {
	case "form":
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body = []byte(form.Encode())
		mime = "application/x-www-form-urlencoded"
	case "json":
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		body = raw
		mime = "application/json"
	case "xml":
		body = encodeXMLBody(params)
		mime = "application/xml"
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mime)
	return req, nil
}

// encodeXMLBody renders each key as <key>value</key> inside <root>, keys
// sorted for a stable wire shape.
func encodeXMLBody(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("<root>")
	for _, k := range keys {
		buf.WriteString("<" + k + ">")
		_ = xml.EscapeText(&buf, []byte(params[k]))
		buf.WriteString("</" + k + ">")
	}
	buf.WriteString("</root>")
	return buf.Bytes()
}

// applyHeaders sets explicit template headers last so they win over the
// encoder's default Content-Type.
func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// ExtractCompletion pulls the completion text out of an AI response body:
// choices[0].message.content when the body is a chat-completions JSON
// document, otherwise the raw body. ok is false when neither yields text.
func ExtractCompletion(body []byte) (string, bool) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Choices) > 0 {
		content := parsed.Choices[0].Message.Content
		return content, content != ""
	}
	raw := strings.TrimSpace(string(body))
	return raw, raw != ""
}
