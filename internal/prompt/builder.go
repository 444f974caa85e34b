package prompt

import (
	"strings"

	"github.com/LeventeLantos/acta/internal/model"
)

const DefaultBase = `You are Acta, interacting with college students via SMS.
Your goal is to help them think more clearly, not to lecture.

Each response must:
1. Briefly reflect the student's idea in your own words.
2. Ask exactly one concise question that deepens their reasoning.
3. Use a friendly, curious tone and stay under 240 characters.
4. Avoid discussing that you are an AI, chatbot, or model.
5. End with a single question mark.

You respond based on the student's latest message plus the prior turns you receive.`

const (
	guidanceHeader = "--- Current Weekly Guidance ---"
	closing        = "Always keep the reply conversational, grounded in the student message, and finish with exactly one question mark."
	readingSep     = " — "
)

// Builder assembles system prompts around a base persona fixed at construction.
type Builder struct {
	base string
}

// NewBuilder uses override as the base persona, or DefaultBase when it is blank.
func NewBuilder(override string) *Builder {
	base := strings.TrimSpace(override)
	if base == "" {
		base = DefaultBase
	}
	return &Builder{base: base}
}

func (b *Builder) Base() string {
	return b.base
}

// Build returns the base persona, the weekly guidance block when topic is
// non-nil, and the closing reminder, separated by blank lines.
func (b *Builder) Build(topic *model.WeeklyTopic) string {
	parts := []string{b.base}

	if topic != nil {
		parts = append(parts, guidanceHeader, "Course topic: "+topic.Topic)

		if len(topic.Readings) > 0 {
			lines := make([]string, 0, len(topic.Readings))
			for _, r := range topic.Readings {
				lines = append(lines, "• "+renderReading(r))
			}
			parts = append(parts, "Readings:\n"+strings.Join(lines, "\n"))
		}

		if seed := strings.TrimSpace(topic.SocraticSeed); seed != "" {
			parts = append(parts, "Teaching focus: "+seed)
		}
	}

	parts = append(parts, closing)
	return strings.Join(parts, "\n\n")
}

func renderReading(r model.Reading) string {
	fields := make([]string, 0, 3)
	for _, f := range []string{r.Title, r.Author, r.Pages} {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return strings.Join(fields, readingSep)
}
