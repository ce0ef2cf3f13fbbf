package request_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coldriver/messagepusher/internal/persistence"
	"github.com/coldriver/messagepusher/internal/request"
)

type captured struct {
	method      string
	contentType string
	body        string
	query       string
	header      http.Header
}

func stubServer(t *testing.T, status int, respond string) (*httptest.Server, *captured) {
	t.Helper()
	cap := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cap.method = r.Method
		cap.contentType = r.Header.Get("Content-Type")
		cap.body = string(body)
		cap.query = r.URL.RawQuery
		cap.header = r.Header.Clone()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respond))
	}))
	t.Cleanup(srv.Close)
	return srv, cap
}

func TestSendChannel_PostJSON(t *testing.T) {
	srv, cap := stubServer(t, 200, "ok")
	tpl := &persistence.Channel{
		APIURL:      srv.URL + "/p",
		Method:      "POST",
		ContentType: "json",
		Params:      map[string]string{"t": "{title}", "b": "{content}"},
		MaxLength:   10,
	}
	msg := &persistence.Message{Title: "hi", Content: "hello-world-long"}

	b := request.NewBuilder(time.Second, nil)
	res, err := b.SendChannel(context.Background(), tpl, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Outcome() != request.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", res.Outcome())
	}

	var got map[string]string
	if err := json.Unmarshal([]byte(cap.body), &got); err != nil {
		t.Fatalf("body not json: %q", cap.body)
	}
	if got["t"] != "hi" || got["b"] != "hello-worl" {
		t.Fatalf("body = %v, want t=hi b=hello-worl", got)
	}
	if cap.contentType != "application/json" {
		t.Fatalf("content type = %q", cap.contentType)
	}
}

func TestSendChannel_GetQueryParams(t *testing.T) {
	srv, cap := stubServer(t, 204, "")
	tpl := &persistence.Channel{
		APIURL:       srv.URL + "/notify?src=mp",
		Method:       "GET",
		ContentType:  "form",
		Params:       map[string]string{"text": "{title}", "chat": "{chat_id}"},
		Placeholders: map[string]string{"chat_id": "42"},
		MaxLength:    2000,
	}
	msg := &persistence.Message{Title: "ping"}

	b := request.NewBuilder(time.Second, nil)
	res, err := b.SendChannel(context.Background(), tpl, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Outcome() != request.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", res.Outcome())
	}
	if cap.method != http.MethodGet || cap.body != "" {
		t.Fatalf("GET must carry no body, got method=%s body=%q", cap.method, cap.body)
	}
	for _, want := range []string{"text=ping", "chat=42", "src=mp"} {
		if !strings.Contains(cap.query, want) {
			t.Fatalf("query %q missing %q", cap.query, want)
		}
	}
}

func TestSendChannel_PostForm(t *testing.T) {
	srv, cap := stubServer(t, 200, "")
	tpl := &persistence.Channel{
		APIURL:      srv.URL,
		Method:      "POST",
		ContentType: "form",
		Params:      map[string]string{"msg": "{content}"},
		MaxLength:   2000,
	}
	b := request.NewBuilder(time.Second, nil)
	if _, err := b.SendChannel(context.Background(), tpl, &persistence.Message{Content: "a b&c"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if cap.contentType != "application/x-www-form-urlencoded" {
		t.Fatalf("content type = %q", cap.contentType)
	}
	if cap.body != "msg=a+b%26c" {
		t.Fatalf("form body = %q", cap.body)
	}
}

func TestSendChannel_PostXML(t *testing.T) {
	srv, cap := stubServer(t, 200, "")
	tpl := &persistence.Channel{
		APIURL:      srv.URL,
		Method:      "POST",
		ContentType: "xml",
		Params:      map[string]string{"body": "{content}", "alert": "1"},
		MaxLength:   2000,
	}
	b := request.NewBuilder(time.Second, nil)
	if _, err := b.SendChannel(context.Background(), tpl, &persistence.Message{Content: "x<y"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if cap.contentType != "application/xml" {
		t.Fatalf("content type = %q", cap.contentType)
	}
	want := "<root><alert>1</alert><body>x&lt;y</body></root>"
	if cap.body != want {
		t.Fatalf("xml body = %q, want %q", cap.body, want)
	}
}

func TestSendChannel_ExplicitHeadersWin(t *testing.T) {
	srv, cap := stubServer(t, 200, "")
	tpl := &persistence.Channel{
		APIURL:       srv.URL,
		Method:       "POST",
		ContentType:  "json",
		Params:       map[string]string{"a": "1"},
		Headers:      map[string]string{"Content-Type": "application/json; charset=utf-8", "X-Api-Key": "{key}"},
		Placeholders: map[string]string{"key": "secret-1"},
		MaxLength:    2000,
	}
	b := request.NewBuilder(time.Second, nil)
	if _, err := b.SendChannel(context.Background(), tpl, &persistence.Message{Title: "t"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if cap.contentType != "application/json; charset=utf-8" {
		t.Fatalf("explicit content type lost: %q", cap.contentType)
	}
	if cap.header.Get("X-Api-Key") != "secret-1" {
		t.Fatalf("substituted header lost: %q", cap.header.Get("X-Api-Key"))
	}
}

func TestSendChannel_UnsupportedMethod(t *testing.T) {
	b := request.NewBuilder(time.Second, nil)
	tpl := &persistence.Channel{APIURL: "http://x", Method: "PATCH", ContentType: "json"}
	if _, err := b.SendChannel(context.Background(), tpl, &persistence.Message{Title: "t"}); err == nil {
		t.Fatal("expected error for PATCH")
	}
}

func TestSendAI_BodyShape(t *testing.T) {
	srv, cap := stubServer(t, 200, `{"choices":[{"message":{"content":"summary"}}]}`)
	tpl := &persistence.AIChannel{
		APIURL: srv.URL + "/v1/chat/completions",
		Model:  "gpt-4o-mini",
		Prompt: "summarize {title}",
		Params: map[string]string{"temperature": "0.2"},
	}
	msg := &persistence.Message{Title: "report", Content: "long text"}

	b := request.NewBuilder(time.Second, nil)
	res, err := b.SendAI(context.Background(), tpl, msg)
	if err != nil {
		t.Fatalf("send ai: %v", err)
	}
	if res.Outcome() != request.OutcomeSuccess {
		t.Fatalf("outcome = %s", res.Outcome())
	}

	var body struct {
		Model       string `json:"model"`
		Temperature string `json:"temperature"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(cap.body), &body); err != nil {
		t.Fatalf("ai body not json: %q", cap.body)
	}
	if body.Model != "gpt-4o-mini" || body.Temperature != "0.2" {
		t.Fatalf("body = %+v", body)
	}
	if len(body.Messages) != 2 || body.Messages[0].Role != "system" ||
		body.Messages[0].Content != "summarize report" ||
		body.Messages[1].Role != "user" || body.Messages[1].Content != "long text" {
		t.Fatalf("messages = %+v", body.Messages)
	}

	text, ok := request.ExtractCompletion(res.Body)
	if !ok || text != "summary" {
		t.Fatalf("extract = %q ok=%v", text, ok)
	}
}

func TestExtractCompletion(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{"chat shape", `{"choices":[{"message":{"content":"hi"}}]}`, "hi", true},
		{"chat shape empty content", `{"choices":[{"message":{"content":""}}]}`, "", false},
		{"raw text", "plain completion", "plain completion", true},
		{"empty body", "  ", "", false},
		{"json without choices", `{"result":"x"}`, `{"result":"x"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := request.ExtractCompletion([]byte(tt.body))
			if got != tt.want || ok != tt.ok {
				t.Fatalf("ExtractCompletion(%q) = %q,%v want %q,%v", tt.body, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFetchURL_CapsBody(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	b := request.NewBuilder(time.Second, nil)
	res, err := b.FetchURL(context.Background(), srv.URL, 1024)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Outcome() != request.OutcomeSuccess {
		t.Fatalf("outcome = %s", res.Outcome())
	}
	if len(res.Body) != 1024 {
		t.Fatalf("body length = %d, want 1024", len(res.Body))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   request.Outcome
	}{
		{200, nil, request.OutcomeSuccess},
		{299, nil, request.OutcomeSuccess},
		{0, errors.New("dial tcp: refused"), request.OutcomeTransient},
		{408, nil, request.OutcomeTransient},
		{425, nil, request.OutcomeTransient},
		{429, nil, request.OutcomeTransient},
		{500, nil, request.OutcomeTransient},
		{502, nil, request.OutcomeTransient},
		{503, nil, request.OutcomeTransient},
		{504, nil, request.OutcomeTransient},
		{300, nil, request.OutcomePermanent},
		{400, nil, request.OutcomePermanent},
		{401, nil, request.OutcomePermanent},
		{404, nil, request.OutcomePermanent},
		{501, nil, request.OutcomePermanent},
	}
	for _, tt := range tests {
		if got := request.Classify(tt.status, tt.err); got != tt.want {
			t.Errorf("Classify(%d, %v) = %s, want %s", tt.status, tt.err, got, tt.want)
		}
	}
}

func TestSendChannel_MalformedProxyIsBuilderError(t *testing.T) {
	srv, _ := stubServer(t, 200, "")
	tpl := &persistence.Channel{
		APIURL:      srv.URL,
		Method:      "POST",
		ContentType: "json",
		Params:      map[string]string{"a": "1"},
		Proxy:       map[string]string{"http": "://not-a-url"},
		MaxLength:   2000,
	}
	b := request.NewBuilder(time.Second, nil)
	res, err := b.SendChannel(context.Background(), tpl, &persistence.Message{Title: "t"})
	if err == nil {
		t.Fatalf("expected an error, got result %+v", res)
	}
	if res != nil {
		t.Fatalf("a config error must not produce a result, got %+v", res)
	}
	if !strings.Contains(err.Error(), "proxy") {
		t.Fatalf("error %q does not name the proxy config", err)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	b := request.NewBuilder(200*time.Millisecond, nil)
	tpl := &persistence.Channel{
		// Reserved TEST-NET-1 address, nothing listens there.
		APIURL:      "http://192.0.2.1:9/p",
		Method:      "POST",
		ContentType: "json",
		Params:      map[string]string{"a": "1"},
		MaxLength:   2000,
	}
	res, err := b.SendChannel(context.Background(), tpl, &persistence.Message{Title: "t"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Outcome() != request.OutcomeTransient {
		t.Fatalf("outcome = %s, want transient", res.Outcome())
	}
}
