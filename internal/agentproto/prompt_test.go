package agentproto

import "testing"

func TestExtractJSON_WithSurroundingProse(t *testing.T) {
	raw := "Sure, here's the plan:\n```json\n{\"objective\":\"x\",\"tasks\":[]}\n```\nDone."
	got, err := ExtractJSON(raw)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	want := `{"objective":"x","tasks":[]}`
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractJSON_NestedBraces(t *testing.T) {
	raw := `prefix {"a": {"b": 1}, "c": "}}}"} suffix`
	got, err := ExtractJSON(raw)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	want := `{"a": {"b": 1}, "c": "}}}"}`
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractJSON_NoObject(t *testing.T) {
	_, err := ExtractJSON("no json here")
	if err != ErrNoJSONObject {
		t.Fatalf("err = %v, want ErrNoJSONObject", err)
	}
}

func TestPrompts_ContainHeaders(t *testing.T) {
	if got := PlanPrompt("do x"); !contains(got, string(ModePlan)) {
		t.Fatalf("PlanPrompt missing header: %q", got)
	}
	if got := ClaimPrompt("do x", "t1", "s", "d"); !contains(got, string(ModeClaim)) {
		t.Fatalf("ClaimPrompt missing header: %q", got)
	}
	if got := ExecutePrompt("do x", "t1", "s", "d", nil, nil, nil); !contains(got, string(ModeExecute)) {
		t.Fatalf("ExecutePrompt missing header: %q", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
