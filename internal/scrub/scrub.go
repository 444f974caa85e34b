// Package scrub masks personally identifying spans in free text before it is
// stored as scrubbed text or sent to a model.
package scrub

import (
	"sort"
	"strings"

	"github.com/LeventeLantos/acta/internal/model"
)

type Result struct {
	Scrubbed   string
	Redactions []model.Redaction
}

type Scrubber struct {
	detectors []Detector
}

func New(detectors ...Detector) *Scrubber {
	return &Scrubber{detectors: detectors}
}

var defaultScrubber = New(DefaultDetectors()...)

// Scrub runs the default detector battery over text.
func Scrub(text string) Result {
	return defaultScrubber.Scrub(text)
}

// Scrub never fails. Candidates from all detectors are sorted by start offset
// and the leftmost one wins any overlap; category plays no part.
func (s *Scrubber) Scrub(text string) Result {
	if text == "" {
		return Result{Scrubbed: ""}
	}

	var found []Match
	for _, d := range s.detectors {
		for _, m := range d.Detect(text) {
			if m.End <= m.Start || m.Start < 0 || m.End > len(text) {
				continue
			}
			found = append(found, m)
		}
	}
	if len(found) == 0 {
		return Result{Scrubbed: text}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].Start < found[j].Start })

	kept := found[:0]
	lastEnd := 0
	for _, m := range found {
		if m.Start < lastEnd {
			continue
		}
		kept = append(kept, m)
		lastEnd = m.End
	}

	var b strings.Builder
	b.Grow(len(text))
	redactions := make([]model.Redaction, 0, len(kept))
	cursor := 0
	for _, m := range kept {
		b.WriteString(text[cursor:m.Start])
		b.WriteString(m.Placeholder)
		redactions = append(redactions, model.Redaction{
			PIIType:     m.PIIType,
			Placeholder: m.Placeholder,
			Start:       utf16Len(text[:m.Start]),
			End:         utf16Len(text[:m.End]),
		})
		cursor = m.End
	}
	b.WriteString(text[cursor:])

	return Result{Scrubbed: b.String(), Redactions: redactions}
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
			continue
		}
		n++
	}
	return n
}
