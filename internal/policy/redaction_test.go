package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "4242") {
		t.Fatalf("card digits survived redaction: %q", out)
	}
}

func TestRedactBearerToken(t *testing.T) {
	out, changed := RedactPII("the header was Bearer sk-live.abc123== ok")
	if !changed || out != "the header was [REDACTED_TOKEN] ok" {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
}

func TestRedactLeavesPlainSpeech(t *testing.T) {
	in := "heard 1.2 seconds of audio"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v, want unchanged", in, out, changed)
	}
}
