package parse

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// ParsedMessage is one mail lifted out of an mbox archive.
type ParsedMessage struct {
	MessageID string
	Subject   string
	Author    string
	SentAt    time.Time
	Body      string
}

// SplitArchive splits raw mbox text into per-message blocks. A message
// starts at a line beginning with "From " (the mbox envelope separator).
func SplitArchive(raw string) []string {
	var blocks []string
	var cur strings.Builder

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "From ") {
			if cur.Len() > 0 {
				blocks = append(blocks, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}

// ParseArchive parses every message in an mbox archive. Messages that fail
// header parsing are logged and skipped; one rotten mail must not block the
// rest of the archive.
func ParseArchive(raw string, log *slog.Logger) []ParsedMessage {
	blocks := SplitArchive(raw)
	msgs := make([]ParsedMessage, 0, len(blocks))
	for i, block := range blocks {
		m, err := parseMessage(block)
		if err != nil {
			log.Warn("Skipping unparseable message", "index", i, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func parseMessage(block string) (ParsedMessage, error) {
	msg, err := mail.ReadMessage(strings.NewReader(block))
	if err != nil {
		return ParsedMessage{}, fmt.Errorf("failed to parse headers: %w", err)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return ParsedMessage{}, fmt.Errorf("failed to read body: %w", err)
	}

	out := ParsedMessage{
		MessageID: strings.Trim(msg.Header.Get("Message-ID"), "<>"),
		Subject:   msg.Header.Get("Subject"),
		Body:      strings.TrimSpace(string(body)),
	}

	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		out.Author = addr.Address
	} else {
		out.Author = strings.TrimSpace(msg.Header.Get("From"))
	}

	if t, err := msg.Header.Date(); err == nil {
		out.SentAt = t.UTC()
	}

	return out, nil
}

var (
	replyPrefix = regexp.MustCompile(`(?i)^(re|fwd?|aw)\s*(\[\d+\])?\s*:\s*`)
	wsRun       = regexp.MustCompile(`\s+`)
)

// ThreadKey normalizes a subject into a grouping key: reply and forward
// prefixes stripped repeatedly, whitespace collapsed, lowercased. The same
// conversation yields the same key across replies.
func ThreadKey(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	s = wsRun.ReplaceAllString(s, " ")
	s = strings.ToLower(s)
	if s == "" {
		s = "(no subject)"
	}
	return s
}

// ChunkBody splits a body into chunks of at most maxLen runes, packing whole
// paragraphs together where they fit. A single paragraph longer than maxLen
// is split hard at the limit.
func ChunkBody(body string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 2000
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		for len([]rune(para)) > maxLen {
			flush()
			runes := []rune(para)
			chunks = append(chunks, string(runes[:maxLen]))
			para = strings.TrimSpace(string(runes[maxLen:]))
		}
		if para == "" {
			continue
		}

		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(para))+2 > maxLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()

	return chunks
}
