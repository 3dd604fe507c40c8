package gallery

import (
	"github.com/example/face-attendance/internal/embedding"
)

// DefaultThreshold is the similarity an identity's best template must strictly exceed.
const DefaultThreshold = 0.6

// MatchResult is the outcome of a scan. Identity is nil when nothing matched.
// SkippedTemplates counts templates left out of scoring because they were
// malformed, of the wrong dimensionality or had zero norm. SkippedByIdentity
// breaks that count down by identity ID and is nil when nothing was skipped.
type MatchResult struct {
	Identity          *Identity
	Confidence        float64
	SkippedTemplates  int
	SkippedByIdentity map[string]int
	Scanned           int
}

// Matched reports whether an identity was selected.
func (r MatchResult) Matched() bool {
	return r.Identity != nil
}

// Matcher selects the best identity for a query embedding by linear scan.
type Matcher struct {
	threshold float64
}

// NewMatcher returns a Matcher using threshold as the exclusive acceptance floor.
func NewMatcher(threshold float64) *Matcher {
	return &Matcher{threshold: threshold}
}

// Threshold returns the acceptance floor.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match scores query against every template of every identity. An identity's
// score is its best template score; the first identity whose score strictly
// exceeds both the threshold and every earlier identity wins. Unusable
// templates are skipped and counted rather than failing the scan.
func (m *Matcher) Match(query []float64, identities []Identity) MatchResult {
	var res MatchResult
	best := m.threshold

	for i := range identities {
		ident := &identities[i]
		skipped := ident.Malformed
		var (
			score float64
			ok    bool
		)
		if len(ident.Templates) > 0 {
			res.Scanned++
			var unusable int
			score, ok, unusable = bestTemplateScore(query, ident.Templates)
			skipped += unusable
		}
		if skipped > 0 {
			if res.SkippedByIdentity == nil {
				res.SkippedByIdentity = make(map[string]int)
			}
			res.SkippedByIdentity[ident.ID] += skipped
			res.SkippedTemplates += skipped
		}
		if ok && score > best {
			best = score
			res.Identity = ident
		}
	}

	if res.Identity != nil {
		res.Confidence = best
	}
	return res
}

func bestTemplateScore(query []float64, templates [][]float64) (best float64, ok bool, skipped int) {
	for _, tpl := range templates {
		s, err := embedding.Cosine(query, tpl)
		if err != nil {
			skipped++
			continue
		}
		if !ok || s > best {
			best, ok = s, true
		}
	}
	return best, ok, skipped
}
