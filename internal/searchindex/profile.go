package searchindex

import (
	"strings"

	"github.com/kljensen/snowball"
	"golang.org/x/text/language"
)

// SimpleProfile is the language-agnostic fallback: tokens are case folded but never stemmed.
const SimpleProfile = "simple"

// Profile selects the tokenizer/stemmer pair applied to a piece of text.
type Profile struct {
	Name    string
	stemmer string // snowball language name; empty for the simple profile
}

var stemmerByBase = map[string]string{
	"en": "english",
	"es": "spanish",
	"fr": "french",
	"ru": "russian",
	"sv": "swedish",
	"no": "norwegian",
	"nb": "norwegian",
	"nn": "norwegian",
}

var stemmedProfiles = []string{"english", "spanish", "french", "russian", "swedish", "norwegian"}

// ProfileFor maps a content language code to its profile. Accepts BCP 47 tags
// ("en", "en-GB", "pt_BR") and profile names ("english"). Unknown, malformed
// or empty codes resolve to the simple profile; this never fails.
func ProfileFor(code string) Profile {
	code = strings.TrimSpace(strings.ToLower(code))
	if code == "" {
		return Profile{Name: SimpleProfile}
	}
	for _, name := range stemmedProfiles {
		if code == name {
			return Profile{Name: name, stemmer: name}
		}
	}
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return Profile{Name: SimpleProfile}
	}
	base, conf := tag.Base()
	if conf == language.No {
		return Profile{Name: SimpleProfile}
	}
	if stemmer, ok := stemmerByBase[base.String()]; ok {
		return Profile{Name: stemmer, stemmer: stemmer}
	}
	return Profile{Name: SimpleProfile}
}

// Profiles returns every profile the index knows about, stemmed ones first.
func Profiles() []Profile {
	out := make([]Profile, 0, len(stemmedProfiles)+1)
	for _, name := range stemmedProfiles {
		out = append(out, Profile{Name: name, stemmer: name})
	}
	return append(out, Profile{Name: SimpleProfile})
}

// Stemmed reports whether the profile reduces tokens to stems.
func (p Profile) Stemmed() bool {
	return p.stemmer != ""
}

// Lexeme reduces a folded token to the form stored in the index.
func (p Profile) Lexeme(token string) string {
	if p.stemmer == "" {
		return token
	}
	stem, err := snowball.Stem(token, p.stemmer, true)
	if err != nil || stem == "" {
		return token
	}
	return stem
}

// Lexemes tokenizes text and maps every token through the profile.
func (p Profile) Lexemes(text string) []string {
	tokens := Tokenize(text)
	for i, tok := range tokens {
		tokens[i] = p.Lexeme(tok)
	}
	return tokens
}
