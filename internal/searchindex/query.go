package searchindex

import (
	"errors"
	"sort"
	"strings"
	"unicode"
)

// ErrEmptyQuery is returned when a query has no positive term to match.
var ErrEmptyQuery = errors.New("query has no positive terms")

// Atom is a single word or a quoted phrase, optionally negated.
type Atom struct {
	Words   []string
	Negated bool
}

// Phrase reports whether the atom must match consecutive positions.
func (a Atom) Phrase() bool {
	return len(a.Words) > 1
}

// Query is a conjunction of groups; the atoms inside a group are alternatives.
// A negated atom always forms a group of its own.
type Query struct {
	Groups [][]Atom
}

// ParseQuery reads the search syntax: whitespace separated terms are ANDed,
// an upper-case OR between two terms makes them alternatives, a leading '-'
// excludes a term, and "double quotes" require an exact phrase.
func ParseQuery(input string) (Query, error) {
	var q Query
	pendingOr := false
	rs := []rune(input)
	for i := 0; i < len(rs); {
		if unicode.IsSpace(rs[i]) {
			i++
			continue
		}
		negated := false
		if rs[i] == '-' {
			negated = true
			i++
			if i >= len(rs) || unicode.IsSpace(rs[i]) {
				continue
			}
		}
		var raw string
		if rs[i] == '"' {
			end := i + 1
			for end < len(rs) && rs[end] != '"' {
				end++
			}
			raw = string(rs[i+1 : end])
			i = end + 1
		} else {
			end := i
			for end < len(rs) && !unicode.IsSpace(rs[end]) && rs[end] != '"' {
				end++
			}
			raw = string(rs[i:end])
			i = end
			if raw == "OR" && !negated {
				pendingOr = len(q.Groups) > 0
				continue
			}
		}
		words := Tokenize(raw)
		if len(words) == 0 {
			pendingOr = false
			continue
		}
		atom := Atom{Words: words, Negated: negated}
		last := len(q.Groups) - 1
		if pendingOr && !negated && last >= 0 && !q.Groups[last][0].Negated {
			q.Groups[last] = append(q.Groups[last], atom)
		} else {
			q.Groups = append(q.Groups, []Atom{atom})
		}
		pendingOr = false
	}
	for _, g := range q.Groups {
		if !g[0].Negated {
			return q, nil
		}
	}
	return q, ErrEmptyQuery
}

// String renders the query back in its input syntax.
func (q Query) String() string {
	groups := make([]string, 0, len(q.Groups))
	for _, g := range q.Groups {
		atoms := make([]string, 0, len(g))
		for _, a := range g {
			s := strings.Join(a.Words, " ")
			if a.Phrase() {
				s = `"` + s + `"`
			}
			if a.Negated {
				s = "-" + s
			}
			atoms = append(atoms, s)
		}
		groups = append(groups, strings.Join(atoms, " OR "))
	}
	return strings.Join(groups, " ")
}

type compiledAtom struct {
	negated  bool
	variants [][]string // one variant set per word
}

// Matcher evaluates a query against vectors built with a known profile set.
type Matcher struct {
	groups [][]compiledAtom
}

// Compile binds the query to a language. With a language, each word is
// reduced through that profile's stemmer only; without one, every profile's
// lexeme is accepted so items indexed under any language can match.
func (q Query) Compile(lang string) Matcher {
	profiles := Profiles()
	if strings.TrimSpace(lang) != "" {
		profiles = []Profile{ProfileFor(lang)}
	}
	var m Matcher
	for _, g := range q.Groups {
		cg := make([]compiledAtom, 0, len(g))
		for _, a := range g {
			ca := compiledAtom{negated: a.Negated}
			for _, w := range a.Words {
				ca.variants = append(ca.variants, variantsOf(w, profiles))
			}
			cg = append(cg, ca)
		}
		m.groups = append(m.groups, cg)
	}
	return m
}

func variantsOf(word string, profiles []Profile) []string {
	seen := make(map[string]struct{}, len(profiles))
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		lx := p.Lexeme(word)
		if _, ok := seen[lx]; ok {
			continue
		}
		seen[lx] = struct{}{}
		out = append(out, lx)
	}
	return out
}

// Terms lists every lexeme the matcher may look up, sorted and distinct.
func (m Matcher) Terms() []string {
	seen := make(map[string]struct{})
	for _, g := range m.groups {
		for _, a := range g {
			for _, vs := range a.variants {
				for _, v := range vs {
					seen[v] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Score evaluates the matcher against v. It returns false when a required
// group is unmatched or an excluded term is present.
func (m Matcher) Score(v Vector) (float64, bool) {
	var total float64
	positive := false
	for _, g := range m.groups {
		if g[0].negated {
			if s := g[0].score(v); s > 0 {
				return 0, false
			}
			continue
		}
		positive = true
		var best float64
		for _, a := range g {
			best += a.score(v)
		}
		if best == 0 {
			return 0, false
		}
		total += best
	}
	return total, positive
}

func (a compiledAtom) score(v Vector) float64 {
	if len(a.variants) == 1 {
		var s float64
		for _, term := range a.variants[0] {
			if lx, ok := v.Lookup(term); ok {
				s += lx.Score()
			}
		}
		return s
	}
	// Phrase: every word must occur at consecutive positions.
	sets := make([]map[int]Weight, len(a.variants))
	for i, vs := range a.variants {
		sets[i] = make(map[int]Weight)
		for _, term := range vs {
			if lx, ok := v.Lookup(term); ok {
				for _, p := range lx.Positions {
					sets[i][p.Pos] = p.Weight
				}
			}
		}
	}
	var s float64
	for start, w := range sets[0] {
		hit := w.Value()
		ok := true
		for i := 1; i < len(sets); i++ {
			nw, found := sets[i][start+i]
			if !found {
				ok = false
				break
			}
			hit += nw.Value()
		}
		if ok {
			s += hit
		}
	}
	return s
}
