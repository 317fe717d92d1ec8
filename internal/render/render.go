// Package render turns outbound segments into chat posts using the per-room
// message formats.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/jaytaylor/html2text"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/shineum/mail2room/internal/email"
	"github.com/shineum/mail2room/internal/routing"
)

// Default formats used when a room does not configure its own. Formats are
// text/template templates over email.OutboundSegment and produce Markdown.
// Segment fields are escaped before templating so email text renders
// literally; the format's own markup is not.
const (
	DefaultMessageFormat  = "**{{or .FromName .FromEmail}}** ({{.FromEmail}}): **{{.Subject}}**\n\n{{.TextBody}}"
	DefaultFragmentFormat = "{{.TextBody}}"
)

// RoomLookup returns the rule configured for a room.
type RoomLookup interface {
	Room(roomID string) (routing.Rule, bool)
}

// Post is a rendered chat post. FormattedBody is empty for plaintext rooms.
type Post struct {
	Body          string
	FormattedBody string
}

// Renderer renders segments for rooms. It is safe for concurrent use.
type Renderer struct {
	rooms RoomLookup
	md    goldmark.Markdown

	mu        sync.Mutex
	templates map[string]*template.Template
}

// New creates a Renderer. rooms may be nil, in which case every room uses
// the default formats.
func New(rooms RoomLookup) *Renderer {
	return &Renderer{
		rooms:     rooms,
		md:        goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps())),
		templates: make(map[string]*template.Template),
	}
}

// Render formats seg for roomID. The template output is treated as Markdown:
// the formatted body is its HTML rendering and the plain body is that HTML
// converted back to text.
func (r *Renderer) Render(seg *email.OutboundSegment, roomID string, kind email.SegmentKind) (Post, error) {
	var format routing.RoomFormat
	if r.rooms != nil {
		if rule, ok := r.rooms.Room(roomID); ok {
			format = rule.Format
		}
	}

	source := format.MessageFormat
	fallback := DefaultMessageFormat
	if kind == email.KindFragment {
		source, fallback = format.FragmentFormat, DefaultFragmentFormat
	}
	if strings.TrimSpace(source) == "" {
		source = fallback
	}

	tmpl, err := r.template(source)
	if err != nil {
		return Post{}, fmt.Errorf("parse format for room %s: %w", roomID, err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, templateData(seg, format.MarkdownBody)); err != nil {
		return Post{}, fmt.Errorf("execute format for room %s: %w", roomID, err)
	}

	var formatted bytes.Buffer
	if err := r.md.Convert(out.Bytes(), &formatted); err != nil {
		return Post{}, fmt.Errorf("render markdown: %w", err)
	}

	formattedBody := strings.TrimSpace(formatted.String())
	plain, err := html2text.FromString(formattedBody)
	if err != nil {
		return Post{}, fmt.Errorf("convert html to text: %w", err)
	}

	post := Post{Body: plain}
	if !format.PlaintextOnly {
		post.FormattedBody = formattedBody
	}
	return post, nil
}

// markdownSpecial is the ASCII punctuation CommonMark may treat as markup.
const markdownSpecial = "\\`*_{}[]()#+-.!<>|~&="

// templateData returns a copy of seg whose text fields are escaped for
// Markdown. With markdownBody the bodies are passed through unchanged.
func templateData(seg *email.OutboundSegment, markdownBody bool) email.OutboundSegment {
	data := *seg
	data.FromName = escapeMarkdown(seg.FromName)
	data.FromEmail = escapeMarkdown(seg.FromEmail)
	data.ToName = escapeMarkdown(seg.ToName)
	data.ToEmail = escapeMarkdown(seg.ToEmail)
	data.Subject = escapeMarkdown(seg.Subject)
	if !markdownBody {
		data.TextBody = escapeMarkdown(seg.TextBody)
		data.FullTextBody = escapeMarkdown(seg.FullTextBody)
	}
	return data
}

// escapeMarkdown backslash-escapes markup characters in s. Leading
// indentation becomes non-breaking spaces so indented lines do not turn into
// code blocks, where escapes are not interpreted.
func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)

	lineStart := true
	for _, r := range s {
		if lineStart {
			switch r {
			case ' ':
				b.WriteString("&nbsp;")
				continue
			case '\t':
				b.WriteString("&nbsp;&nbsp;&nbsp;&nbsp;")
				continue
			}
		}
		lineStart = r == '\n'
		if r < utf8.RuneSelf && strings.ContainsRune(markdownSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// template returns the parsed template for source, caching it.
func (r *Renderer) template(source string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.templates[source]; ok {
		return t, nil
	}
	t, err := template.New("post").Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, err
	}
	r.templates[source] = t
	return t, nil
}
