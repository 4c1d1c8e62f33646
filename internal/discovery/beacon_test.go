package discovery

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestReplyFormat(t *testing.T) {
	b := New(9999, 5555, 5556, "lab-rig", zerolog.Nop())
	if got := string(b.Reply()); got != "STYLY-NETSYNC|5555|5556|lab-rig" {
		t.Errorf("reply: %q", got)
	}
}

func TestRequestMatchingIsExact(t *testing.T) {
	b := New(9999, 5555, 5556, "s", zerolog.Nop())

	if !b.IsRequest([]byte("STYLY-NETSYNC-DISCOVER")) {
		t.Error("exact probe rejected")
	}
	for _, bad := range []string{
		"",
		"STYLY-NETSYNC-DISCOVER ",
		"styly-netsync-discover",
		"STYLY-NETSYNC-DISCOVERY",
		"STYLY-NETSYNC",
	} {
		if b.IsRequest([]byte(bad)) {
			t.Errorf("accepted %q", bad)
		}
	}
}
