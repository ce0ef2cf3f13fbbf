package request

import (
	"strings"

	"github.com/coldriver/messagepusher/internal/persistence"
)

// Substitute replaces every {name} in s with env[name]. Single pass, left
// to right; substituted text is never rescanned, unknown names become the
// empty string. A '{' without a closing '}' is literal.
func Substitute(s string, env map[string]string) string {
	if !strings.ContainsRune(s, '{') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '{' {
			if j := strings.IndexByte(s[i+1:], '}'); j >= 0 {
				name := s[i+1 : i+1+j]
				b.WriteString(env[name])
				i += j + 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// SubstituteAll applies Substitute to every value of the mapping.
func SubstituteAll(m map[string]string, env map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Substitute(v, env)
	}
	return out
}

// TruncateCodepoints caps s at max codepoints, not bytes.
func TruncateCodepoints(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// ChannelEnv builds the substitution environment for a channel template:
// the template's literal placeholders plus message-derived bindings. The
// message content is length-capped before it enters the environment.
func ChannelEnv(tpl *persistence.Channel, msg *persistence.Message) map[string]string {
	env := make(map[string]string, len(tpl.Placeholders)+3)
	for k, v := range tpl.Placeholders {
		env[k] = v
	}
	env["title"] = msg.Title
	env["content"] = TruncateCodepoints(msg.Content, tpl.MaxLength)
	env["url"] = msg.URL
	return env
}

// AIEnv is ChannelEnv for AI templates: no length cap, plus the template
// prompt bound as {prompt}.
func AIEnv(tpl *persistence.AIChannel, msg *persistence.Message) map[string]string {
	env := make(map[string]string, len(tpl.Placeholders)+4)
	for k, v := range tpl.Placeholders {
		env[k] = v
	}
	env["title"] = msg.Title
	env["content"] = msg.Content
	env["url"] = msg.URL
	env["prompt"] = tpl.Prompt
	return env
}
