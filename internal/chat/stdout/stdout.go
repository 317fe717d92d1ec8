// Package stdout implements a Transport that prints rendered posts to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mail2room/internal/chat"
	"github.com/shineum/mail2room/internal/email"
	"github.com/shineum/mail2room/internal/render"
)

// Transport prints posts in a human-readable format. It never fails.
type Transport struct {
	mu       sync.Mutex
	writer   io.Writer
	renderer *render.Renderer
}

// New creates a new stdout Transport that writes to os.Stdout.
func New(renderer *render.Renderer) *Transport {
	return NewWithWriter(os.Stdout, renderer)
}

// NewWithWriter creates a new stdout Transport that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer, renderer *render.Renderer) *Transport {
	if renderer == nil {
		renderer = render.New(nil)
	}
	return &Transport{writer: w, renderer: renderer}
}

// SendMessage prints the rendered segment. Rendering failures fall back to
// the raw segment text; the status is always 200.
func (t *Transport) SendMessage(_ context.Context, seg *email.OutboundSegment, roomID string, kind email.SegmentKind) (chat.SendStatus, error) {
	body := seg.TextBody
	if post, err := t.renderer.Render(seg, roomID, kind); err == nil {
		body = post.Body
	}

	var b strings.Builder
	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Room: %s (%s)\n", roomID, kind))
	b.WriteString(fmt.Sprintf("From: %s\n", formatAddress(seg.FromName, seg.FromEmail)))
	b.WriteString(fmt.Sprintf("To: %s\n", formatAddress(seg.ToName, seg.ToEmail)))
	b.WriteString(fmt.Sprintf("Subject: %s\n", seg.Subject))
	b.WriteString("Body:\n")
	b.WriteString(body + "\n")
	b.WriteString("========================================\n")

	t.write(b.String())
	return chat.SendStatus{StatusCode: http.StatusOK, Message: "printed"}, nil
}

// SendAttachment prints a one-line summary of att.
func (t *Transport) SendAttachment(_ context.Context, att email.Attachment, roomID string) error {
	t.write(fmt.Sprintf("Attachment for %s: %s (%s, %s)\n", roomID, att.Filename, att.ContentType, formatSize(len(att.Content))))
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

// write ignores write errors; printing is best effort.
func (t *Transport) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprint(t.writer, s)
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
