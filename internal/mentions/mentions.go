// ABOUTME: Invocation classifier that finds which known agent names a piece of text addresses
// ABOUTME: AtMentions matches explicit @name tokens; Invocations adds addressing phrases a leader uses

package mentions

import (
	"regexp"
	"strings"
	"sync"
)

// Classifier maps free text and the set of known member names to the subset
// of names the text invokes. Results keep the order of knownNames and contain
// no duplicates.
type Classifier interface {
	Classify(text string, knownNames []string) []string
}

// ClassifierFunc adapts a function into a Classifier.
type ClassifierFunc func(text string, knownNames []string) []string

// Classify calls f(text, knownNames).
func (f ClassifierFunc) Classify(text string, knownNames []string) []string {
	return f(text, knownNames)
}

// AtMentions is the classifier used for user messages: only explicit
// "@name" tokens count.
var AtMentions Classifier = newPatternSet(atPattern)

// Invocations is the classifier used for a leader's reply. It accepts
// "@name" plus common hand-off phrasings such as "name, can you", "ask name"
// and "over to name".
var Invocations Classifier = newPatternSet(invocationPatterns...)

type patternFunc func(quotedName string) string

// nameEnd closes a name the way \b would, but also after names that end in
// a non-word character such as "C++".
const nameEnd = `(?:\W|$)`

func atPattern(n string) string { return `(?i)(?:^|[^\w@])@` + n + nameEnd }

var invocationPatterns = []patternFunc{
	atPattern,
	// "Bugsy, can you ..." / "Bugsy: please ..."
	func(n string) string { return `(?im)(?:^|[.!?]\s+)` + n + `\s*[,:]\s*(?:can|could|would|will|please|what|how|do|take|check|look)\b` },
	// "ask Bugsy", "hand this to Bugsy", "over to Bugsy", "cc Bugsy"
	func(n string) string {
		return `(?i)\b(?:ask|asking|hand(?:ing)?\s+(?:this|it)\s+(?:off\s+)?to|over\s+to|pass(?:ing)?\s+(?:this|it)\s+to|cc|ping(?:ing)?|loop(?:ing)?\s+in)\s+` + n + nameEnd
	},
	// "Bugsy should ..." / "Bugsy will handle"
	func(n string) string { return `(?i)(?:^|\W)` + n + `\s+(?:should|could|can|will)\s+(?:take|handle|look|check|review|weigh|help|answer)\b` },
}

// patternSet compiles each name's patterns once and reuses them.
type patternSet struct {
	patterns []patternFunc
	compiled sync.Map // name -> []*regexp.Regexp
}

func newPatternSet(patterns ...patternFunc) *patternSet {
	return &patternSet{patterns: patterns}
}

func (p *patternSet) forName(name string) []*regexp.Regexp {
	if res, ok := p.compiled.Load(name); ok {
		return res.([]*regexp.Regexp)
	}
	quoted := regexp.QuoteMeta(name)
	res := make([]*regexp.Regexp, len(p.patterns))
	for i, pat := range p.patterns {
		res[i] = regexp.MustCompile(pat(quoted))
	}
	actual, _ := p.compiled.LoadOrStore(name, res)
	return actual.([]*regexp.Regexp)
}

// Classify returns the known names text invokes.
func (p *patternSet) Classify(text string, knownNames []string) []string {
	if strings.TrimSpace(text) == "" || len(knownNames) == 0 {
		return nil
	}

	var found []string
	seen := make(map[string]bool, len(knownNames))
	for _, name := range knownNames {
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		for _, re := range p.forName(name) {
			if re.MatchString(text) {
				seen[key] = true
				found = append(found, name)
				break
			}
		}
	}
	return found
}

// Merge returns the union of the lists in first-seen order without duplicates.
func Merge(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, name := range list {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
