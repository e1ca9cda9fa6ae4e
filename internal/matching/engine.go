// Package matching classifies tender text against the training-course
// taxonomy and ranks it for follow-up.
package matching

import (
	"slices"
	"strings"
	"sync"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// Classification is the outcome of matching one tender.
type Classification struct {
	Categories     []string
	MatchedCourses []string
	Priority       model.Priority
}

// Engine matches text against a taxonomy in one pass with an Aho-Corasick
// automaton. Classify has no side effects and is safe for concurrent use.
type Engine struct {
	taxonomy  Taxonomy
	threshold float64

	// keywords[i] is the padded, folded form; owners[i] lists the taxonomy
	// indices of the categories that share it.
	keywords []string
	owners   [][]int

	mu      sync.Mutex // the matcher keeps per-call scratch state
	matcher *ahocorasick.Matcher
}

// NewEngine builds an engine. Values at or above threshold count as
// exceeding it.
func NewEngine(t Taxonomy, threshold float64) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{taxonomy: t, threshold: threshold}
	index := map[string]int{}
	for ci, c := range t {
		for _, kw := range c.Keywords {
			folded := fold(kw)
			if folded == "" {
				continue
			}
			key := " " + folded + " "
			i, ok := index[key]
			if !ok {
				i = len(e.keywords)
				index[key] = i
				e.keywords = append(e.keywords, key)
				e.owners = append(e.owners, nil)
			}
			if !slices.Contains(e.owners[i], ci) {
				e.owners[i] = append(e.owners[i], ci)
			}
		}
	}
	if len(e.keywords) > 0 {
		e.matcher = ahocorasick.NewStringMatcher(e.keywords)
	}
	return e, nil
}

// Taxonomy returns the engine's taxonomy.
func (e *Engine) Taxonomy() Taxonomy { return e.taxonomy }

// Classify matches text and ranks it together with the estimated value.
// Categories are ordered by where they first occur in text, ties broken by
// taxonomy order. Courses follow category order without duplicates.
func (e *Engine) Classify(text string, value float64) Classification {
	matched := e.match(text)

	out := Classification{Categories: []string{}, MatchedCourses: []string{}}
	for _, ci := range matched {
		c := e.taxonomy[ci]
		out.Categories = append(out.Categories, c.ID)
		for _, course := range c.Courses {
			if !slices.Contains(out.MatchedCourses, course) {
				out.MatchedCourses = append(out.MatchedCourses, course)
			}
		}
	}
	out.Priority = Prioritize(value, e.threshold, len(out.Categories))
	return out
}

// ClassifyRecord classifies a record over its title, description and raw
// categories.
func (e *Engine) ClassifyRecord(r model.RawTenderRecord) Classification {
	parts := append([]string{r.Title, r.Description}, r.RawCategories...)
	return e.Classify(strings.Join(parts, " "), r.Value)
}

// Prioritize ranks a tender: high when the value reaches threshold and some
// category matched, medium when exactly one of those holds, low otherwise.
func Prioritize(value, threshold float64, categories int) model.Priority {
	valuable := value >= threshold
	relevant := categories > 0
	switch {
	case valuable && relevant:
		return model.PriorityHigh
	case valuable || relevant:
		return model.PriorityMedium
	}
	return model.PriorityLow
}

// match returns taxonomy indices of matched categories in output order.
func (e *Engine) match(text string) []int {
	if e.matcher == nil {
		return nil
	}
	folded := " " + fold(text) + " "

	e.mu.Lock()
	hits := e.matcher.Match([]byte(folded))
	e.mu.Unlock()

	first := map[int]int{}
	for _, h := range hits {
		pos := strings.Index(folded, e.keywords[h])
		for _, ci := range e.owners[h] {
			if p, ok := first[ci]; !ok || pos < p {
				first[ci] = pos
			}
		}
	}

	out := make([]int, 0, len(first))
	for ci := range first {
		out = append(out, ci)
	}
	slices.SortFunc(out, func(a, b int) int {
		if first[a] != first[b] {
			return first[a] - first[b]
		}
		return a - b
	})
	return out
}

var accents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases, strips accents and reduces everything that is not a
// letter or digit to single spaces, so that padded keywords only match
// whole words.
func fold(s string) string {
	s, _, _ = transform.String(accents, strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
