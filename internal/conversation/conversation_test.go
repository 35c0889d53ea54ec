package conversation

import "testing"

func TestBoundedPrefixKeepsMostRecent(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: "aaaaaaaaaaaaaaaa"},    // 16 chars -> ~4 tokens
		{Role: "assistant", Content: "bbbbbbbbbbbbbbbb"}, // ~4 tokens
		{Role: "user", Content: "cccccccccccccccc"},      // ~4 tokens
	}

	got := boundedPrefix(turns, 6)

	if len(got) == 0 {
		t.Fatal("expected at least the most recent turn to survive")
	}
	if got[len(got)-1].Content != "cccccccccccccccc" {
		t.Errorf("expected the most recent turn to be kept, got %+v", got)
	}
}

func TestBoundedPrefixNoLimitReturnsAll(t *testing.T) {
	turns := []Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	got := boundedPrefix(turns, 0)
	if len(got) != len(turns) {
		t.Errorf("expected all turns with no budget, got %d", len(got))
	}
}

func TestBoundedPrefixAlwaysKeepsAtLeastOneTurn(t *testing.T) {
	turns := []Turn{{Role: "user", Content: "this is a very long message far over budget"}}
	got := boundedPrefix(turns, 1)
	if len(got) != 1 {
		t.Errorf("expected the sole turn to survive even over budget, got %d", len(got))
	}
}
