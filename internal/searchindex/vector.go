package searchindex

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Weight ranks where a lexeme occurred. A is strongest.
type Weight byte

const (
	WeightA Weight = 'A'
	WeightB Weight = 'B'
	WeightC Weight = 'C'
	WeightD Weight = 'D'
)

// Value is the ranking contribution of one occurrence at this weight.
func (w Weight) Value() float64 {
	switch w {
	case WeightA:
		return 1.0
	case WeightB:
		return 0.4
	case WeightC:
		return 0.2
	default:
		return 0.1
	}
}

func (w Weight) valid() bool {
	return w >= WeightA && w <= WeightD
}

// Position is a 1-based token offset together with the weight of the field it came from.
type Position struct {
	Pos    int
	Weight Weight
}

// Lexeme is one distinct normalized term and every place it occurs.
type Lexeme struct {
	Term      string
	Positions []Position
}

// Score sums the weighted occurrences of the lexeme.
func (l Lexeme) Score() float64 {
	var total float64
	for _, p := range l.Positions {
		total += p.Weight.Value()
	}
	return total
}

// Vector is a sorted list of lexemes. The zero value is an empty vector.
type Vector []Lexeme

// Vectors holds the three independent vectors maintained for every item.
type Vectors struct {
	Profile      string
	TitleContent Vector
	Summary      Vector
	Subject      Vector
}

// ComputeVectors derives the search vectors of an item from its text inputs.
// Title lexemes carry weight A and content lexemes weight B inside the
// combined vector; summary and subject are indexed on their own at weight D.
func ComputeVectors(lang, title, content, summary, subject string) Vectors {
	p := ProfileFor(lang)
	b := newBuilder()
	b.add(p.Lexemes(title), WeightA)
	b.add(p.Lexemes(content), WeightB)
	return Vectors{
		Profile:      p.Name,
		TitleContent: b.vector(),
		Summary:      Build(p, summary, WeightD),
		Subject:      Build(p, subject, WeightD),
	}
}

// Build indexes a single text at one weight.
func Build(p Profile, text string, w Weight) Vector {
	b := newBuilder()
	b.add(p.Lexemes(text), w)
	return b.vector()
}

type builder struct {
	next  int
	terms map[string][]Position
}

func newBuilder() *builder {
	return &builder{next: 1, terms: make(map[string][]Position)}
}

func (b *builder) add(lexemes []string, w Weight) {
	for _, lx := range lexemes {
		b.terms[lx] = append(b.terms[lx], Position{Pos: b.next, Weight: w})
		b.next++
	}
}

func (b *builder) vector() Vector {
	if len(b.terms) == 0 {
		return nil
	}
	out := make(Vector, 0, len(b.terms))
	for term, pos := range b.terms {
		out = append(out, Lexeme{Term: term, Positions: pos})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

// Lookup returns the lexeme for term, if present.
func (v Vector) Lookup(term string) (Lexeme, bool) {
	i := sort.Search(len(v), func(i int) bool { return v[i].Term >= term })
	if i < len(v) && v[i].Term == term {
		return v[i], true
	}
	return Lexeme{}, false
}

// Terms lists the distinct lexemes in order.
func (v Vector) Terms() []string {
	out := make([]string, len(v))
	for i, lx := range v {
		out[i] = lx.Term
	}
	return out
}

// String renders the vector as space separated 'term':1A,2B entries.
func (v Vector) String() string {
	var sb strings.Builder
	for i, lx := range v {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('\'')
		sb.WriteString(strings.ReplaceAll(lx.Term, "'", "''"))
		sb.WriteString("':")
		sb.WriteString(FormatPositions(lx.Positions))
	}
	return sb.String()
}

// FormatPositions renders positions as 1A,4B.
func FormatPositions(ps []Position) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = strconv.Itoa(p.Pos) + string(rune(p.Weight))
	}
	return strings.Join(parts, ",")
}

// ParsePositions is the inverse of FormatPositions.
func ParsePositions(s string) ([]Position, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]Position, 0, len(parts))
	for _, part := range parts {
		if len(part) < 2 {
			return nil, fmt.Errorf("malformed position %q", part)
		}
		w := Weight(part[len(part)-1])
		if !w.valid() {
			return nil, fmt.Errorf("malformed weight in %q", part)
		}
		n, err := strconv.Atoi(part[:len(part)-1])
		if err != nil {
			return nil, fmt.Errorf("malformed position %q: %w", part, err)
		}
		out = append(out, Position{Pos: n, Weight: w})
	}
	return out, nil
}

// ParseVector reads the String form back.
func ParseVector(s string) (Vector, error) {
	var out Vector
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}
		if s[0] != '\'' {
			return nil, fmt.Errorf("expected quote at %q", s)
		}
		var term strings.Builder
		i := 1
		for {
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated term")
			}
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					term.WriteByte('\'')
					i += 2
					continue
				}
				break
			}
			term.WriteByte(s[i])
			i++
		}
		rest := s[i+1:]
		if !strings.HasPrefix(rest, ":") {
			return nil, fmt.Errorf("missing positions for %q", term.String())
		}
		rest = rest[1:]
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			end = len(rest)
		}
		ps, err := ParsePositions(rest[:end])
		if err != nil {
			return nil, err
		}
		out = append(out, Lexeme{Term: term.String(), Positions: ps})
		s = rest[end:]
	}
	return out, nil
}
