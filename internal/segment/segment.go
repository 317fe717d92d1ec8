// Package segment splits a plain-text email body into the newest reply and
// the quoted fragments of the thread beneath it.
package segment

import (
	"regexp"
	"strings"
)

var (
	// attributionRE matches "On <date>, <name> wrote:" style lines.
	attributionRE = regexp.MustCompile(`(?i)^on\s.+\swrote:$`)

	// separatorRE matches the separator Outlook inserts above forwarded or
	// replied-to content.
	separatorRE = regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`)

	// signatureRE matches the start of a signature block.
	signatureRE = regexp.MustCompile(`(?i)^(--\s?|__+|sent from my .+)$`)
)

// Fragment is one contiguous piece of a message body at a single quote
// depth. Depth 0 is text written by the sender of this message.
type Fragment struct {
	Depth   int
	Content string

	// Quoted is true for every fragment introduced by an attribution line,
	// a separator, or quote markers.
	Quoted bool
}

// Split returns the text segments to post for body. With replies set, each
// fragment of the thread becomes a segment, newest first; otherwise only the
// sender's own text is returned, as by Reply. Blank segments are dropped,
// and when nothing is left and postEmpty is set a single empty segment is
// returned.
func Split(body string, replies, postEmpty bool) []string {
	var candidates []string
	if replies {
		for _, f := range Fragments(body) {
			candidates = append(candidates, f.Content)
		}
	} else {
		candidates = []string{Reply(body)}
	}

	segments := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			segments = append(segments, c)
		}
	}

	if len(segments) == 0 && postEmpty {
		return []string{""}
	}
	return segments
}

// Reply returns the text the sender wrote in body with quoted history and
// signatures removed. Top-posted, bottom-posted and inline replies are all
// kept: every unquoted fragment is joined in order by a blank line.
func Reply(body string) string {
	var parts []string
	for _, f := range Fragments(body) {
		if f.Quoted || f.Content == "" {
			continue
		}
		parts = append(parts, f.Content)
	}
	return strings.Join(parts, "\n\n")
}

type line struct {
	depth int
	text  string
}

type builder struct {
	depth     int
	quoted    bool
	signature bool
	lines     []string
}

func (b *builder) content() string {
	return strings.TrimSpace(strings.Join(b.lines, "\n"))
}

// Fragments breaks body into fragments in the order they appear, which for
// replies is newest first. The first fragment is always the unquoted text
// above any history, even when it is empty.
func Fragments(body string) []Fragment {
	lines := joinWrappedAttributions(parseLines(body))

	var fragments []Fragment
	current := &builder{}

	flush := func(next *builder) {
		if len(fragments) == 0 || current.content() != "" {
			fragments = append(fragments, Fragment{
				Depth:   current.depth,
				Content: current.content(),
				Quoted:  current.quoted,
			})
		}
		current = next
	}

	for _, l := range lines {
		trimmed := strings.TrimSpace(l.text)

		switch {
		case attributionRE.MatchString(trimmed):
			flush(&builder{depth: l.depth + 1, quoted: true, lines: []string{trimmed}})
			continue
		case separatorRE.MatchString(trimmed):
			flush(&builder{depth: l.depth, quoted: true})
			continue
		case trimmed == "":
			if !current.signature {
				current.lines = append(current.lines, "")
			}
			continue
		}

		if l.depth != current.depth {
			flush(&builder{depth: l.depth, quoted: l.depth > 0})
		}

		if signatureRE.MatchString(trimmed) {
			current.signature = true
		}
		if current.signature {
			continue
		}
		current.lines = append(current.lines, l.text)
	}
	flush(nil)

	return fragments
}

// parseLines normalizes line endings and strips quote markers, recording
// the quote depth of each line.
func parseLines(body string) []line {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")

	raw := strings.Split(body, "\n")
	out := make([]line, 0, len(raw))
	for _, r := range raw {
		depth := 0
		rest := r
		for {
			trimmed := strings.TrimLeft(rest, " \t")
			if !strings.HasPrefix(trimmed, ">") {
				break
			}
			depth++
			rest = trimmed[1:]
		}
		if depth > 0 {
			rest = strings.TrimPrefix(rest, " ")
		}
		out = append(out, line{depth: depth, text: strings.TrimRight(rest, " \t")})
	}
	return out
}

// joinWrappedAttributions merges attribution lines that a mail client
// wrapped across two lines, such as "On Mon, Jan 1, 2024 at 10:00 AM Alice"
// followed by "<alice@example.com> wrote:".
func joinWrappedAttributions(lines []line) []line {
	out := make([]line, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		l := lines[i]
		text := strings.TrimSpace(l.text)
		if i+1 < len(lines) && strings.HasPrefix(strings.ToLower(text), "on ") && !attributionRE.MatchString(text) {
			next := lines[i+1]
			joined := text + " " + strings.TrimSpace(next.text)
			if next.depth == l.depth && attributionRE.MatchString(joined) {
				out = append(out, line{depth: l.depth, text: joined})
				i++
				continue
			}
		}
		out = append(out, l)
	}
	return out
}
