package parse

import (
	"regexp"
	"sort"
	"strings"
)

// EntityType classifies a mention.
type EntityType string

const (
	EntityPerson EntityType = "PERSON"
	EntityOrg    EntityType = "ORG"
	EntityDate   EntityType = "DATE"
	EntityMoney  EntityType = "MONEY"
)

// Mention is one entity occurrence in text.
type Mention struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	StartChar  int        `json:"start_char"`
	EndChar    int        `json:"end_char"`
	Confidence float64    `json:"confidence"`
}

// Relation links two entities co-occurring in the same sentence.
type Relation struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Sentence string `json:"sentence"`
}

var (
	moneyRe = regexp.MustCompile(`\$\s?\d{1,3}(?:,\d{3})*(?:\.\d{2})?|\b\d+(?:\.\d{2})?\s?(?:USD|dollars)\b`)
	dateRe  = regexp.MustCompile(`\b(?:\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{2}-\d{2}|(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4})\b`)

	// Capitalized runs of 2-4 words. Classified as ORG when carrying a
	// corporate suffix, PERSON otherwise.
	properRe  = regexp.MustCompile(`\b(?:[A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,3})\b`)
	orgSuffix = regexp.MustCompile(`\b(?:Inc|LLC|Ltd|Corp|Corporation|Company|Co|Bank|Group|Holdings|Partners|Trust|Fund)\.?$`)

	// Sentence-initial words are capitalized by grammar, not by being names.
	stopwords = map[string]struct{}{
		"The": {}, "This": {}, "That": {}, "These": {}, "Those": {}, "There": {},
		"They": {}, "When": {}, "Where": {}, "While": {}, "After": {}, "Before": {},
		"According": {}, "However": {}, "During": {}, "Although": {},
	}
)

// ExtractMentions finds entity mentions in text with heuristic patterns:
// money and date literals, and capitalized multi-word runs split into ORG
// (corporate suffix) and PERSON. Mentions are ordered by start offset.
func ExtractMentions(text string) []Mention {
	var mentions []Mention

	for _, loc := range moneyRe.FindAllStringIndex(text, -1) {
		mentions = append(mentions, Mention{
			Text: text[loc[0]:loc[1]], Type: EntityMoney,
			StartChar: loc[0], EndChar: loc[1], Confidence: 0.9,
		})
	}
	for _, loc := range dateRe.FindAllStringIndex(text, -1) {
		mentions = append(mentions, Mention{
			Text: text[loc[0]:loc[1]], Type: EntityDate,
			StartChar: loc[0], EndChar: loc[1], Confidence: 0.85,
		})
	}

	for _, loc := range properRe.FindAllStringIndex(text, -1) {
		candidate := text[loc[0]:loc[1]]
		first := strings.Fields(candidate)[0]
		if _, skip := stopwords[first]; skip {
			continue
		}
		if overlapsAny(mentions, loc[0], loc[1]) {
			continue
		}
		typ := EntityPerson
		conf := 0.6
		if orgSuffix.MatchString(candidate) {
			typ = EntityOrg
			conf = 0.75
		}
		mentions = append(mentions, Mention{
			Text: candidate, Type: typ,
			StartChar: loc[0], EndChar: loc[1], Confidence: conf,
		})
	}

	sort.Slice(mentions, func(i, j int) bool { return mentions[i].StartChar < mentions[j].StartChar })
	return mentions
}

// ExtractDates returns just the date literals of text, in order.
func ExtractDates(text string) []string {
	return dateRe.FindAllString(text, -1)
}

// ExtractRelations pairs PERSON/ORG mentions that co-occur within the same
// sentence. Pairs are unordered and deduplicated.
func ExtractRelations(text string) []Relation {
	var relations []Relation
	seen := make(map[string]struct{})

	for _, sp := range splitSentences(text) {
		var names []string
		for _, m := range ExtractMentions(sp.text) {
			if m.Type == EntityPerson || m.Type == EntityOrg {
				names = append(names, m.Text)
			}
		}
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				key := names[i] + "\x00" + names[j]
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				relations = append(relations, Relation{
					Source:   names[i],
					Target:   names[j],
					Sentence: strings.TrimSpace(sp.text),
				})
			}
		}
	}
	return relations
}

func overlapsAny(mentions []Mention, start, end int) bool {
	for _, m := range mentions {
		if start < m.EndChar && end > m.StartChar {
			return true
		}
	}
	return false
}
