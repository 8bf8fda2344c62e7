package channels

import "testing"

func TestMarkdownTableToList(t *testing.T) {
	input := "| Name | Status |\n|------|--------|\n| alpha | active |\n| beta | paused |\n"
	got := MarkdownTableToList(input)
	want := "- Name: alpha, Status: active\n- Name: beta, Status: paused"
	if got != want {
		t.Fatalf("MarkdownTableToList() = %q, want %q", got, want)
	}
}

// TestMarkdownTableToListPreservesFencedCode is §8 P10: content inside a
// fenced code block is never rewritten, even if it looks like a table.
func TestMarkdownTableToListPreservesFencedCode(t *testing.T) {
	input := "before\n```\n| a | b |\n|---|---|\n| 1 | 2 |\n```\nafter"
	got := MarkdownTableToList(input)
	if got != input {
		t.Fatalf("MarkdownTableToList() altered fenced content:\ngot:  %q\nwant: %q", got, input)
	}
}

func TestMarkdownTableToListLeavesPlainTextAlone(t *testing.T) {
	input := "just a normal line\nanother line"
	got := MarkdownTableToList(input)
	if got != input {
		t.Fatalf("MarkdownTableToList() altered non-table text: %q", got)
	}
}

func TestMarkdownTableToListNonTablePipeLine(t *testing.T) {
	// A single "|"-delimited line with no following separator row is not a
	// table — it should be emitted unchanged, not silently dropped.
	input := "| not | a | table |\njust text after"
	got := MarkdownTableToList(input)
	want := "| not | a | table |\njust text after"
	if got != want {
		t.Fatalf("MarkdownTableToList() = %q, want %q", got, want)
	}
}
