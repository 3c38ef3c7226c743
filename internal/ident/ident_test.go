package ident

import "testing"

func TestToKebabCase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"My World", "my-world"},
		{"  Spaced   Out  ", "spaced-out"},
		{"already-kebab", "already-kebab"},
		{"Mixed_Case/Name", "mixed-case-name"},
		{"Agent #7!", "agent-7"},
		{"", ""},
		{"---", ""},
	}
	for _, tc := range cases {
		if got := ToKebabCase(tc.in); got != tc.want {
			t.Errorf("ToKebabCase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestToLogCategory(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Gateway_WS", "gateway.ws"},
		{"gateway.ws", "gateway.ws"},
		{"AGENTS/pipeline", "agents.pipeline"},
		{"core events bus", "core.events.bus"},
	}
	for _, tc := range cases {
		if got := ToLogCategory(tc.in); got != tc.want {
			t.Errorf("ToLogCategory(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCategoryAncestors(t *testing.T) {
	got := CategoryAncestors("a.b.c")
	want := []string{"a.b", "a"}
	if len(got) != len(want) {
		t.Fatalf("ancestors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ancestors[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := CategoryAncestors("root"); len(got) != 0 {
		t.Errorf("ancestors of root = %v, want none", got)
	}
}

func TestExtractParagraphBeginMention(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"plain mention", "@alice can you help?", "alice"},
		{"trailing punctuation", "@alice, can you help?", "alice"},
		{"interjection word", "Hey @Bob! good morning", "Bob"},
		{"mid-sentence mention ignored", "I think @alice should handle this", ""},
		{"second paragraph ignored", "No mention here.\n\n@alice hi", ""},
		{"leading blank lines", "\n\n@carol hello", "carol"},
		{"empty", "", ""},
		{"bare at", "@ hello", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractParagraphBeginMention(tc.text); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBeginsWithMentionOf(t *testing.T) {
	if !BeginsWithMentionOf("@ALICE hello", "alice") {
		t.Error("expected case-insensitive match")
	}
	if BeginsWithMentionOf("hello @alice", "alice") {
		t.Error("mid-sentence mention must not count as paragraph-begin")
	}
	if !BeginsWithMentionOf("Well, @alice hello", "alice") {
		t.Error("single interjection word should be tolerated")
	}
}
