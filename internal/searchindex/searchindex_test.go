package searchindex

import (
	"errors"
	"reflect"
	"testing"
)

func TestProfileFor(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"en", "english"},
		{"en-GB", "english"},
		{"EN_us", "english"},
		{"English", "english"},
		{"es", "spanish"},
		{"nb", "norwegian"},
		{"ru", "russian"},
		{"pt", SimpleProfile},
		{"", SimpleProfile},
		{"not a language!!", SimpleProfile},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			if got := ProfileFor(tc.code).Name; got != tc.want {
				t.Fatalf("ProfileFor(%q) = %q, want %q", tc.code, got, tc.want)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, WORLD! e-mail 2024")
	want := []string{"hello", "world", "e", "mail", "2024"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
	if Tokenize("") != nil {
		t.Fatal("expected nil tokens for empty input")
	}
}

func TestComputeVectors_WeightsAndPositions(t *testing.T) {
	v := ComputeVectors("en", "Team meeting", "meetings ran long", "Short summary", "Weekly sync")
	if v.Profile != "english" {
		t.Fatalf("profile = %q", v.Profile)
	}
	lx, ok := v.TitleContent.Lookup("meet")
	if !ok {
		t.Fatalf("expected stem meet in %s", v.TitleContent)
	}
	want := []Position{{Pos: 2, Weight: WeightA}, {Pos: 3, Weight: WeightB}}
	if !reflect.DeepEqual(lx.Positions, want) {
		t.Fatalf("positions = %v, want %v", lx.Positions, want)
	}

	// Summary and subject are independent: positions restart, weight D only.
	sl, ok := v.Summary.Lookup("summari")
	if !ok {
		t.Fatalf("expected summari in summary vector %s", v.Summary)
	}
	if sl.Positions[0] != (Position{Pos: 2, Weight: WeightD}) {
		t.Fatalf("summary position = %v", sl.Positions[0])
	}
	if _, ok := v.TitleContent.Lookup("summari"); ok {
		t.Fatal("summary lexeme leaked into title+content vector")
	}
	if _, ok := v.Subject.Lookup("sync"); !ok {
		t.Fatalf("expected sync in subject vector %s", v.Subject)
	}
}

func TestComputeVectors_SimpleProfileDoesNotStem(t *testing.T) {
	v := ComputeVectors("xx", "", "meetings", "", "")
	if _, ok := v.TitleContent.Lookup("meetings"); !ok {
		t.Fatalf("expected unstemmed token, got %s", v.TitleContent)
	}
	if v.Summary != nil || v.Subject != nil {
		t.Fatal("expected empty vectors for empty inputs")
	}
}

func TestComputeVectors_Deterministic(t *testing.T) {
	a := ComputeVectors("fr", "Réunion", "réunions d'équipe", "x", "y")
	b := ComputeVectors("fr", "Réunion", "réunions d'équipe", "x", "y")
	if a.TitleContent.String() != b.TitleContent.String() {
		t.Fatalf("vectors differ: %s vs %s", a.TitleContent, b.TitleContent)
	}
}

func TestVectorStringRoundTrip(t *testing.T) {
	v := ComputeVectors("en", "it's Bob's", "plan plan", "", "").TitleContent
	parsed, err := ParseVector(v.String())
	if err != nil {
		t.Fatalf("parse %q: %v", v.String(), err)
	}
	if !reflect.DeepEqual(parsed, v) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", parsed, v)
	}
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(`budget OR finance -draft "quarterly review"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(q.Groups) != 3 {
		t.Fatalf("groups = %d, want 3: %s", len(q.Groups), q)
	}
	if len(q.Groups[0]) != 2 {
		t.Fatalf("expected OR group of 2, got %v", q.Groups[0])
	}
	if !q.Groups[1][0].Negated {
		t.Fatal("expected negated draft")
	}
	if !q.Groups[2][0].Phrase() {
		t.Fatal("expected phrase atom")
	}
	if got := q.String(); got != `budget OR finance -draft "quarterly review"` {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseQuery_OnlyNegationIsEmpty(t *testing.T) {
	if _, err := ParseQuery("-spam -junk"); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if _, err := ParseQuery("   "); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery for blank query, got %v", err)
	}
}

func TestMatcher(t *testing.T) {
	doc := ComputeVectors("en", "Quarterly review", "The budget review went well", "", "").TitleContent

	tests := []struct {
		name  string
		query string
		lang  string
		match bool
	}{
		{"stemmed term", "reviews", "en", true},
		{"and requires all", "budget holiday", "en", false},
		{"or accepts any", "holiday OR budget", "en", true},
		{"negation excludes", "budget -review", "en", false},
		{"phrase consecutive", `"quarterly review"`, "en", true},
		{"phrase out of order", `"review quarterly"`, "en", false},
		{"any language expands stems", "reviewing", "", true},
		{"simple profile misses stem", "reviewing", "pt", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := ParseQuery(tc.query)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			_, ok := q.Compile(tc.lang).Score(doc)
			if ok != tc.match {
				t.Fatalf("match(%q) = %v, want %v", tc.query, ok, tc.match)
			}
		})
	}
}

func TestMatcher_TitleOutranksContent(t *testing.T) {
	inTitle := ComputeVectors("en", "budget", "notes", "", "").TitleContent
	inBody := ComputeVectors("en", "notes", "budget", "", "").TitleContent
	q, _ := ParseQuery("budget")
	m := q.Compile("en")
	a, _ := m.Score(inTitle)
	b, _ := m.Score(inBody)
	if a <= b {
		t.Fatalf("title score %v should exceed content score %v", a, b)
	}
}

func TestLevenshtein(t *testing.T) {
	if d := Levenshtein("kitten", "sitting"); d != 3 {
		t.Fatalf("distance = %d, want 3", d)
	}
	if d := Levenshtein("", "abc"); d != 3 {
		t.Fatalf("distance = %d, want 3", d)
	}
}

func TestSimilarity(t *testing.T) {
	if s := Similarity("cafe", "Café menu"); s != 1 {
		t.Fatalf("accent-folded containment should score 1, got %v", s)
	}
	if s := Similarity("recieve", "Please receive this"); s < DefaultFuzzyThreshold {
		t.Fatalf("typo similarity %v below threshold", s)
	}
	if s := Similarity("zebra", "quarterly review"); s >= DefaultFuzzyThreshold {
		t.Fatalf("unrelated similarity %v above threshold", s)
	}
}
