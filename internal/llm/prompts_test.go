package llm

import (
	"strings"
	"testing"
)

func TestNewRegistryValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewRegistry(); err != nil {
		t.Fatalf("default registry invalid: %v", err)
	}
}

func TestValidatePromptRejectsMissingPlaceholder(t *testing.T) {
	t.Parallel()
	p := Prompt{
		Kind:     "broken",
		Fields:   []string{"text"},
		Template: "no placeholders here {format_instructions}",
	}
	if err := validatePrompt(p); err == nil {
		t.Fatal("expected error for missing {text} placeholder")
	}
}

func TestValidatePromptRejectsUndeclaredPlaceholder(t *testing.T) {
	t.Parallel()
	p := Prompt{
		Kind:     "broken",
		Fields:   []string{"text"},
		Template: "{text} {mystery_field} {format_instructions}",
	}
	if err := validatePrompt(p); err == nil {
		t.Fatal("expected error for undeclared placeholder")
	}
}

func TestRenderInterpolatesAllFields(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	out, err := r.Render(KindClusterSummary, map[string]string{
		"text":          "art 1 content",
		"cluster_level": "2",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "art 1 content") || !strings.Contains(out, "level 2") {
		t.Fatalf("rendered prompt missing interpolated fields:\n%s", out)
	}
	if strings.Contains(out, "{") && placeholderRe.MatchString(out) {
		t.Fatalf("rendered prompt still contains placeholders:\n%s", out)
	}
}

func TestRenderRejectsMissingField(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry()
	if _, err := r.Render(KindClusterSummary, map[string]string{"text": "x"}); err == nil {
		t.Fatal("expected error for missing cluster_level")
	}
}

func TestRenderRejectsExtraField(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry()
	if _, err := r.Render(KindActSummary, map[string]string{"text": "x", "bogus": "y"}); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestRenderUnknownKind(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry()
	if _, err := r.Render("no-such-kind", nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestImpactPromptCarriesAllContext(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry()
	args := map[string]string{
		"change_type":   "modified",
		"act_title":     "Data Protection Act",
		"act_summary":   "regulates personal data",
		"changed_text":  "old art 2",
		"changing_text": "new art 2",
		"doc_title":     "Privacy Policy",
		"doc_summary":   "how we process data",
		"doc_text":      "we rely on art 2",
	}
	out, err := r.Render(KindImpact, args)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, v := range args {
		if !strings.Contains(out, v) {
			t.Fatalf("rendered prompt missing %q", v)
		}
	}
}
