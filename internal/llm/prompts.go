package llm

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies a generation operation. Each kind maps to exactly one
// prompt template and one response schema.
type Kind string

const (
	KindClusterSummary Kind = "cluster-summarization"
	KindActSummary     Kind = "act-summarization"
	KindDocSummary     Kind = "doc-summarization"
	KindImpact         Kind = "impact-assessment"
)

// Prompt is a versioned template together with the fields it interpolates.
// Placeholders use {field} syntax; {format_instructions} is supplied by the
// registry from the kind's response schema.
type Prompt struct {
	Kind     Kind
	Version  string
	Template string
	Fields   []string
}

// Registry holds the prompt contract for every operation kind. It is built
// and validated once at startup; an ambient lookup of an unknown kind is a
// programming error surfaced as a plain error.
type Registry struct {
	prompts map[Kind]Prompt
}

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

// NewRegistry builds the default registry and validates every template:
// each required field must appear exactly as a placeholder, and no
// unknown placeholders may remain after interpolation.
func NewRegistry() (*Registry, error) {
	r := &Registry{prompts: map[Kind]Prompt{}}
	for _, p := range defaultPrompts {
		if err := validatePrompt(p); err != nil {
			return nil, fmt.Errorf("prompt %s: %w", p.Kind, err)
		}
		r.prompts[p.Kind] = p
	}
	return r, nil
}

func validatePrompt(p Prompt) error {
	if strings.TrimSpace(p.Template) == "" {
		return fmt.Errorf("empty template")
	}
	for _, field := range append([]string{"format_instructions"}, p.Fields...) {
		if !strings.Contains(p.Template, "{"+field+"}") {
			return fmt.Errorf("template missing placeholder {%s}", field)
		}
	}
	// Substitute every declared placeholder and look for leftovers.
	probe := p.Template
	for _, field := range append([]string{"format_instructions"}, p.Fields...) {
		probe = strings.ReplaceAll(probe, "{"+field+"}", "")
	}
	if left := placeholderRe.FindString(probe); left != "" {
		return fmt.Errorf("template references undeclared placeholder %s", left)
	}
	return nil
}

// Render interpolates args into the template for the given kind. Every
// required field must be present in args; extra args are rejected.
func (r *Registry) Render(kind Kind, args map[string]string) (string, error) {
	p, ok := r.prompts[kind]
	if !ok {
		return "", fmt.Errorf("unknown prompt kind %q", kind)
	}
	required := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		required[f] = true
	}
	for k := range args {
		if !required[k] {
			return "", fmt.Errorf("prompt %s does not accept field %q", kind, k)
		}
	}
	out := p.Template
	for _, f := range p.Fields {
		v, ok := args[f]
		if !ok {
			return "", fmt.Errorf("prompt %s missing required field %q", kind, f)
		}
		out = strings.ReplaceAll(out, "{"+f+"}", v)
	}
	out = strings.ReplaceAll(out, "{format_instructions}", formatInstructions(kind))
	return out, nil
}

// Version returns the template version for a kind, for audit records.
func (r *Registry) Version(kind Kind) string {
	return r.prompts[kind].Version
}

func formatInstructions(kind Kind) string {
	if kind == KindImpact {
		return `Respond ONLY with valid JSON in the following format, with no other text:
{"score": <number between 0.00 and 1.00>, "justification": "<at most 60 words>", "insufficient_data": <true|false>}`
	}
	return `Respond ONLY with valid JSON in the following format, with no other text:
{"title": "<short title>", "summary": "<at most 120 words>", "relevant": <true|false>}`
}

var defaultPrompts = []Prompt{
	{
		Kind:    KindClusterSummary,
		Version: "v1",
		Fields:  []string{"text", "cluster_level"},
		Template: `You are an assistant summarizing legal provisions for a compliance monitoring system.

The text below is a group of related provisions taken from a legal act. The group sits at
hierarchy level {cluster_level}: level 0 contains raw provisions and should be summarized in
detail, higher levels contain summaries of summaries and should be synthesized more generally.

Write a concise summary of what these provisions regulate. Set "relevant" to false only when
the text is not genuine legal content (tables of contents, publishing artifacts, boilerplate).

Provisions:
{text}

{format_instructions}`,
	},
	{
		Kind:    KindActSummary,
		Version: "v1",
		Fields:  []string{"text"},
		Template: `You are an assistant summarizing legal acts for a compliance monitoring system.

The text below consists of section summaries covering an entire legal act. Produce a single
general summary of the act: its subject matter, who it applies to, and the main obligations
it creates. Set "relevant" to false only when the text is not genuine legal content.

Section summaries:
{text}

{format_instructions}`,
	},
	{
		Kind:    KindDocSummary,
		Version: "v1",
		Fields:  []string{"text"},
		Template: `You are an assistant summarizing internal organizational documents (templates,
policies, contracts) for a compliance monitoring system.

Summarize the document below: its purpose, scope, and the legal provisions it relies on.
Provide a short title. Set "relevant" to false only when the text is not a genuine
organizational document.

Document:
{text}

{format_instructions}`,
	},
	{
		Kind:    KindImpact,
		Version: "v1",
		Fields: []string{
			"change_type", "act_title", "act_summary",
			"changed_text", "changing_text",
			"doc_title", "doc_summary", "doc_text",
		},
		Template: `You are a legal analyst judging whether a change in a legal act requires updating an
internal organizational document.

Act: {act_title}
Act summary: {act_summary}

Change type: {change_type}
Previous provision text:
{changed_text}

New provision text:
{changing_text}

Document: {doc_title}
Document summary: {doc_summary}
Relevant document fragment:
{doc_text}

Score how likely it is that the document must be adjusted because of this change:
1.00 means an adjustment is certainly required; 0.50 or above means likely required;
below 0.50 means unlikely; 0.00 means certainly not required. If the provided texts do
not contain enough information to judge, set "insufficient_data" to true and the score
to 0.00. Justify the score briefly.

{format_instructions}`,
	},
}
