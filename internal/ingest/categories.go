package ingest

import "strings"

// keywordRules maps lowercase keywords found in entry titles or feed tags to
// a subcategory, per category. The source's configured subcategory wins when
// set; these rules only refine sources that publish mixed streams.
var keywordRules = map[string][]keywordRule{
	"technology": {
		{keywords: []string{"ai", "machine learning", "llm", "neural"}, subcategory: "ai"},
		{keywords: []string{"security", "breach", "vulnerability", "exploit"}, subcategory: "security"},
		{keywords: []string{"startup", "funding", "venture"}, subcategory: "startups"},
		{keywords: []string{"chip", "semiconductor", "gpu", "hardware"}, subcategory: "hardware"},
	},
	"science": {
		{keywords: []string{"space", "nasa", "orbit", "astronomy", "telescope"}, subcategory: "space"},
		{keywords: []string{"climate", "warming", "emissions"}, subcategory: "climate"},
		{keywords: []string{"gene", "dna", "biology", "cell"}, subcategory: "biology"},
		{keywords: []string{"quantum", "particle", "physics"}, subcategory: "physics"},
	},
	"business": {
		{keywords: []string{"market", "stocks", "shares", "nasdaq"}, subcategory: "markets"},
		{keywords: []string{"economy", "inflation", "gdp", "rates"}, subcategory: "economy"},
		{keywords: []string{"merger", "acquisition", "deal"}, subcategory: "deals"},
	},
	"sports": {
		{keywords: []string{"football", "soccer", "premier league"}, subcategory: "football"},
		{keywords: []string{"tennis", "open", "grand slam"}, subcategory: "tennis"},
		{keywords: []string{"basketball", "nba"}, subcategory: "basketball"},
	},
}

// Subcategory used when no rule matches and the source sets none.
const subcategoryGeneral = "general"

type keywordRule struct {
	keywords    []string
	subcategory string
}

// MapSubcategory picks the subcategory for an ingested entry. The source's
// explicit subcategory takes precedence; otherwise keyword rules run over the
// entry title and feed tags.
func MapSubcategory(source Source, title string, feedTags []string) string {
	if source.Subcategory != "" {
		return source.Subcategory
	}

	haystack := strings.ToLower(title + " " + strings.Join(feedTags, " "))
	words := wordSet(haystack)

	for _, rule := range keywordRules[strings.ToLower(source.Category)] {
		for _, kw := range rule.keywords {
			// Single-word keywords match whole words only, so "ai" does
			// not fire on "rain".
			if strings.Contains(kw, " ") {
				if strings.Contains(haystack, kw) {
					return rule.subcategory
				}
			} else if words[kw] {
				return rule.subcategory
			}
		}
	}

	return subcategoryGeneral
}

func wordSet(text string) map[string]bool {
	words := map[string]bool{}

	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		words[w] = true
	}

	return words
}
