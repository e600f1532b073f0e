package comment

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestToChat_OmitsZeroFlags(t *testing.T) {
	c := &Comment{
		ThreadID: 42,
		No:       7,
		Vpos:     1500,
		Date:     time.Unix(1700000000, 123456000),
		Mail:     "",
		UserID:   "abcdef0123",
		Content:  "hi",
	}

	raw, err := json.Marshal(c.ToChat())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	body := string(raw)
	for _, field := range []string{`"premium"`, `"anonymity"`, `"yourpost"`} {
		if strings.Contains(body, field) {
			t.Fatalf("expected %s to be omitted, got %s", field, body)
		}
	}
	for _, want := range []string{`"thread":"42"`, `"no":7`, `"date":1700000000`, `"date_usec":123456`, `"mail":""`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}

	c.Premium = true
	c.Anonymity = true
	raw, _ = json.Marshal(c.ToChat())
	if !strings.Contains(string(raw), `"premium":1`) || !strings.Contains(string(raw), `"anonymity":1`) {
		t.Fatalf("expected set flags on the wire, got %s", raw)
	}
}

func TestWithYourPost(t *testing.T) {
	msg := (&Comment{ThreadID: 1, UserID: "author"}).ToChat()

	tests := []struct {
		key  string
		want int
	}{
		{"author", 1},
		{"someone-else", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := msg.WithYourPost(tt.key).Chat.YourPost; got != tt.want {
			t.Fatalf("threadkey %q: expected yourpost %d, got %d", tt.key, tt.want, got)
		}
	}

	anonymous := (&Comment{ThreadID: 1, UserID: ""}).ToChat()
	if got := anonymous.WithYourPost("").Chat.YourPost; got != 0 {
		t.Fatalf("expected empty threadkey never to match, got %d", got)
	}
	if msg.Chat.YourPost != 0 {
		t.Fatal("expected WithYourPost to leave the original untouched")
	}
}
