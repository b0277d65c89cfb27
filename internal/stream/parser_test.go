package stream

import (
	"strings"
	"testing"
)

func feedAll(t *testing.T, p *Parser, chunks ...string) []Item {
	t.Helper()
	var all []Item
	for _, c := range chunks {
		items, err := p.Feed([]byte(c))
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		all = append(all, items...)
	}
	return all
}

func TestParserSkipsCommentsAndDone(t *testing.T) {
	p := New(nil)
	items := feedAll(t, p, ": this is a comment\n\ndata: [DONE]\n\n")
	if len(items) != 0 {
		t.Fatalf("expected 0 items, got %d", len(items))
	}
}

func TestParserSkipsPingEvents(t *testing.T) {
	p := New(nil)
	items := feedAll(t, p, `data: {"type":"ping"}`+"\n\n")
	if len(items) != 0 {
		t.Fatalf("expected ping to be dropped, got %d items", len(items))
	}
}

func TestParserYieldsTextDelta(t *testing.T) {
	p := New(nil)
	items := feedAll(t, p, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}`+"\n\n")
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Kind != ItemText || items[0].Text != "hello" {
		t.Fatalf("item = %+v, want text hello", items[0])
	}
}

func TestParserYieldsGenericEventForOtherDeltaTypes(t *testing.T) {
	p := New(nil)
	items := feedAll(t, p, `data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{}"}}`+"\n\n")
	if len(items) != 1 || items[0].Kind != ItemEvent {
		t.Fatalf("expected a generic Event item, got %+v", items)
	}
}

func TestParserDropsMalformedJSONWithWarning(t *testing.T) {
	var warned bool
	p := New(func(format string, args ...any) { warned = true })
	items := feedAll(t, p, "data: {not valid json\n\n")
	if len(items) != 0 {
		t.Fatalf("expected malformed event to be dropped, got %d items", len(items))
	}
	if !warned {
		t.Fatalf("expected warn callback to fire")
	}
}

func TestParserHandlesChunkSplitMidEvent(t *testing.T) {
	p := New(nil)
	var items []Item
	part1 := `data: {"type":"content_block_delta","delta":{"type":"text_delta","tex`
	part2 := `t":"split"}}` + "\n\n"
	items = append(items, feedAll(t, p, part1)...)
	items = append(items, feedAll(t, p, part2)...)

	if len(items) != 1 || items[0].Text != "split" {
		t.Fatalf("expected split event to be reassembled, got %+v", items)
	}
}

func TestParserRejectsInvalidUTF8(t *testing.T) {
	p := New(nil)
	bad := []byte("data: {\"type\":\"x\"}\xff\xfe\n\n")
	if _, err := p.Feed(bad); err == nil {
		t.Fatalf("expected fatal error for invalid UTF-8")
	}
}

func TestParserBufferCompactionUnderLoad(t *testing.T) {
	p := New(nil)
	big := strings.Repeat("a", 5000)
	var total int
	for i := 0; i < 5; i++ {
		items, err := p.Feed([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"` + big + `"}}` + "\n\n"))
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		total += len(items)
	}
	if total != 5 {
		t.Fatalf("expected 5 items across repeated feeds, got %d", total)
	}
	if len(p.buf) > growthCap+compactThreshold {
		t.Fatalf("buffer grew unbounded: %d bytes", len(p.buf))
	}
}
