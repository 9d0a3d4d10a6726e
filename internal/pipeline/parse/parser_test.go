package parse

import (
	"log/slog"
	"strings"
	"testing"
)

const sampleMbox = `From alice@example.com Mon Jan  2 15:04:05 2006
From: Alice <alice@example.com>
To: golang-dev@example.com
Subject: Proposal: faster GC
Message-ID: <msg-1@example.com>
Date: Mon, 2 Jan 2006 15:04:05 -0700

We should look at reducing pause times.

Details in the attached doc.
From bob@example.com Mon Jan  2 16:00:00 2006
From: Bob <bob@example.com>
To: golang-dev@example.com
Subject: Re: Proposal: faster GC
Message-ID: <msg-2@example.com>
Date: Mon, 2 Jan 2006 16:00:00 -0700

Sounds good to me.
`

func TestSplitArchive(t *testing.T) {
	blocks := SplitArchive(sampleMbox)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if !strings.Contains(blocks[0], "Subject: Proposal: faster GC") {
		t.Error("first block missing subject header")
	}
	if !strings.Contains(blocks[1], "Sounds good") {
		t.Error("second block missing body")
	}
}

func TestParseArchive(t *testing.T) {
	msgs := ParseArchive(sampleMbox, slog.Default())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	first := msgs[0]
	if first.MessageID != "msg-1@example.com" {
		t.Errorf("expected msg-1@example.com, got %q", first.MessageID)
	}
	if first.Subject != "Proposal: faster GC" {
		t.Errorf("unexpected subject %q", first.Subject)
	}
	if first.Author != "alice@example.com" {
		t.Errorf("unexpected author %q", first.Author)
	}
	if first.SentAt.IsZero() {
		t.Error("expected parsed date")
	}
	if !strings.Contains(first.Body, "pause times") {
		t.Errorf("unexpected body %q", first.Body)
	}
}

func TestParseArchive_SkipsBadMessages(t *testing.T) {
	raw := "From x\ngarbage without headers" + "\n" + sampleMbox
	msgs := ParseArchive(raw, slog.Default())
	// The garbage block is skipped, the valid two survive
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestThreadKey(t *testing.T) {
	cases := []struct {
		subject string
		want    string
	}{
		{"Proposal: faster GC", "proposal: faster gc"},
		{"Re: Proposal: faster GC", "proposal: faster gc"},
		{"RE: re: Fwd: Proposal: faster GC", "proposal: faster gc"},
		{"Re[2]: Proposal: faster GC", "proposal: faster gc"},
		{"  Spaced   out \t subject ", "spaced out subject"},
		{"", "(no subject)"},
		{"Re: ", "(no subject)"},
	}
	for _, tc := range cases {
		if got := ThreadKey(tc.subject); got != tc.want {
			t.Errorf("ThreadKey(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}

func TestThreadKey_SameThread(t *testing.T) {
	a := ThreadKey("Proposal: faster GC")
	b := ThreadKey("Re: Proposal: faster GC")
	if a != b {
		t.Errorf("reply should share thread key: %q vs %q", a, b)
	}
}

func TestChunkBody_PacksParagraphs(t *testing.T) {
	body := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	chunks := ChunkBody(body, 40)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 40 {
			t.Errorf("chunk exceeds limit: %d runes", len([]rune(c)))
		}
	}
	joined := strings.Join(chunks, "\n\n")
	for _, para := range []string{"first paragraph", "second paragraph", "third paragraph"} {
		if !strings.Contains(joined, para) {
			t.Errorf("lost paragraph %q", para)
		}
	}
}

func TestChunkBody_SplitsOversizedParagraph(t *testing.T) {
	body := strings.Repeat("a", 100)
	chunks := ChunkBody(body, 30)

	total := 0
	for _, c := range chunks {
		if len([]rune(c)) > 30 {
			t.Errorf("chunk exceeds limit: %d runes", len([]rune(c)))
		}
		total += len([]rune(c))
	}
	if total != 100 {
		t.Errorf("expected 100 runes total, got %d", total)
	}
}

func TestChunkBody_Empty(t *testing.T) {
	if chunks := ChunkBody("   \n\n  ", 100); chunks != nil {
		t.Errorf("expected nil for blank body, got %v", chunks)
	}
}
