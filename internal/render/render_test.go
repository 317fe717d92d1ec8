package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail2room/internal/email"
	"github.com/shineum/mail2room/internal/routing"
)

func testSegment() *email.OutboundSegment {
	return &email.OutboundSegment{
		EmailID:   "<id@example.com>",
		FromName:  "Alice",
		FromEmail: "alice@example.com",
		Subject:   "Status",
		TextBody:  "line one\nline two",
	}
}

func TestRender_DefaultMessageFormat(t *testing.T) {
	t.Parallel()

	r := New(nil)
	post, err := r.Render(testSegment(), "!room", email.KindPrimary)
	require.NoError(t, err)

	assert.Contains(t, post.FormattedBody, "<strong>Alice</strong>")
	assert.Contains(t, post.FormattedBody, "<strong>Status</strong>")
	assert.Contains(t, post.FormattedBody, "line one<br")
	assert.Contains(t, post.Body, "Alice")
	assert.Contains(t, post.Body, "line two")
	assert.NotContains(t, post.Body, "<strong>")
}

func TestRender_DefaultFormatFallsBackToAddress(t *testing.T) {
	t.Parallel()

	seg := testSegment()
	seg.FromName = ""

	post, err := New(nil).Render(seg, "!room", email.KindPrimary)
	require.NoError(t, err)
	assert.Contains(t, post.FormattedBody, "<strong>alice@example.com</strong>")
}

func TestRender_RoomFormats(t *testing.T) {
	t.Parallel()

	table := routing.NewTable([]routing.Rule{
		{
			RoomID:    "!custom",
			Addresses: []string{"a@example.com"},
			Format: routing.RoomFormat{
				MessageFormat:  "New mail: {{.Subject}}",
				FragmentFormat: "> {{.TextBody}}",
			},
		},
		{
			RoomID:    "!plain",
			Addresses: []string{"b@example.com"},
			Format:    routing.RoomFormat{MessageFormat: "*{{.Subject}}*", PlaintextOnly: true},
		},
	})
	r := New(table)

	post, err := r.Render(testSegment(), "!custom", email.KindPrimary)
	require.NoError(t, err)
	assert.Equal(t, "<p>New mail: Status</p>", post.FormattedBody)
	assert.Equal(t, "New mail: Status", post.Body)

	post, err = r.Render(testSegment(), "!custom", email.KindFragment)
	require.NoError(t, err)
	assert.Contains(t, post.FormattedBody, "<blockquote>")

	post, err = r.Render(testSegment(), "!plain", email.KindPrimary)
	require.NoError(t, err)
	assert.Empty(t, post.FormattedBody, "plaintext rooms get no formatted body")
	assert.Contains(t, post.Body, "Status")
}

func TestRender_UnknownRoomUsesDefaults(t *testing.T) {
	t.Parallel()

	r := New(routing.NewTable(nil))
	post, err := r.Render(testSegment(), "!unknown", email.KindFragment)
	require.NoError(t, err)
	assert.Contains(t, post.Body, "line one")
}

func TestRender_InvalidTemplate(t *testing.T) {
	t.Parallel()

	table := routing.NewTable([]routing.Rule{{
		RoomID:    "!broken",
		Addresses: []string{"a@example.com"},
		Format:    routing.RoomFormat{MessageFormat: "{{.Subject"},
	}})

	_, err := New(table).Render(testSegment(), "!broken", email.KindPrimary)
	assert.Error(t, err)
}

func TestRender_EmailTextIsLiteral(t *testing.T) {
	t.Parallel()

	seg := testSegment()
	seg.Subject = "#42 *urgent*"
	seg.TextBody = "Contact <ops@example.com> about 2 * 3.\n1. not a list\n# not a heading\n    indented line"

	post, err := New(nil).Render(seg, "!room", email.KindPrimary)
	require.NoError(t, err)

	assert.NotContains(t, post.FormattedBody, "<em>")
	assert.NotContains(t, post.FormattedBody, "<ol>")
	assert.NotContains(t, post.FormattedBody, "<h1>")
	assert.NotContains(t, post.FormattedBody, "<pre>")
	assert.Contains(t, post.FormattedBody, "&lt;ops@example.com&gt;")
	assert.Contains(t, post.FormattedBody, "<strong>#42 *urgent*</strong>")
	assert.NotContains(t, post.FormattedBody, `\`)

	assert.Contains(t, post.Body, "ops@example.com")
	assert.Contains(t, post.Body, "2 * 3.")
	assert.Contains(t, post.Body, "1. not a list")
	assert.Contains(t, post.Body, "# not a heading")
	assert.Contains(t, post.Body, "indented line")
	assert.NotContains(t, post.Body, `\`)
}

func TestRender_MarkdownBodyOption(t *testing.T) {
	t.Parallel()

	table := routing.NewTable([]routing.Rule{{
		RoomID:    "!md",
		Addresses: []string{"a@example.com"},
		Format:    routing.RoomFormat{FragmentFormat: "{{.TextBody}}", MarkdownBody: true},
	}})
	seg := testSegment()
	seg.TextBody = "some *emphasis*"

	post, err := New(table).Render(seg, "!md", email.KindFragment)
	require.NoError(t, err)
	assert.Contains(t, post.FormattedBody, "<em>emphasis</em>")
}

func TestEscapeMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"plain words", "plain words"},
		{"a*b_c", `a\*b\_c`},
		{"<x@y.z>", `\<x@y\.z\>`},
		{"  two\n\tthree", "&nbsp;&nbsp;two\n&nbsp;&nbsp;&nbsp;&nbsp;three"},
		{"mid  space", "mid  space"},
		{"café ☕", "café ☕"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeMarkdown(tt.in), "escapeMarkdown(%q)", tt.in)
	}
}
