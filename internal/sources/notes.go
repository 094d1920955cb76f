package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/sweep"
)

var noteExts = map[string]bool{".md": true, ".markdown": true, ".txt": true, ".text": true}

// NotesDir reads text and markdown notes from a directory tree. Each file is
// one note item keyed by its path relative to the root.
type NotesDir struct {
	name     string
	dir      string
	provider persistence.Provider
	language string
}

func NewNotesDir(name, dir string, provider persistence.Provider, language string) *NotesDir {
	return &NotesDir{name: name, dir: dir, provider: provider, language: language}
}

func (n *NotesDir) Name() string                   { return n.name }
func (n *NotesDir) Provider() persistence.Provider { return n.provider }

type frontMatter struct {
	Title string   `yaml:"title"`
	Date  string   `yaml:"date"`
	Tags  []string `yaml:"tags"`
	Lang  string   `yaml:"lang"`
}

type notePayload struct {
	Path        string       `json:"path"`
	Mime        string       `json:"mime"`
	Bytes       int64        `json:"bytes"`
	ModifiedAt  time.Time    `json:"modified_at"`
	FrontMatter *frontMatter `json:"front_matter,omitempty"`
}

func (n *NotesDir) Fetch(ctx context.Context) ([]sweep.Record, error) {
	entries, err := walk(n.dir, func(ext string) bool { return noteExts[ext] })
	if err != nil {
		return nil, err
	}
	out := make([]sweep.Record, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, n.record(e))
	}
	return out, nil
}

func (n *NotesDir) record(e dirEntry) sweep.Record {
	rec := sweep.Record{Item: persistence.IngestRequest{
		Provider:   n.provider,
		ExternalID: e.rel,
		Kind:       persistence.ItemKindNote,
	}}
	data, hash, err := readFile(e)
	if err != nil {
		rec.Err = fmt.Errorf("read %s: %w", e.rel, err)
		return rec
	}
	mtype := mimetype.Detect(data)
	if !isText(mtype) {
		rec.Err = fmt.Errorf("%s: not a text file (%s)", e.rel, mtype.String())
		return rec
	}

	fm, body, err := splitFrontMatter(data)
	if err != nil {
		rec.Err = fmt.Errorf("%s: front matter: %w", e.rel, err)
		return rec
	}
	text := strings.TrimSpace(string(body))
	occurred := e.info.ModTime().UTC()
	title := noteTitle(e.rel, text)
	lang := n.language
	if fm != nil {
		if fm.Title != "" {
			title = fm.Title
		}
		if t, ok := parseDate(fm.Date); ok {
			occurred = t
		}
		if fm.Lang != "" {
			lang = fm.Lang
		}
		rec.Tags = fm.Tags
	}

	size := e.info.Size()
	rec.Item.OccurredAt = occurred
	rec.Item.Title = &title
	rec.Item.ContentText = &text
	rec.Item.ContentHash = ptr(hashBytes([]byte(text)))
	rec.Item.Bytes = &size
	if lang != "" {
		rec.Item.ContentLanguage = &lang
	}
	rec.Files = []persistence.FileSpec{{
		Role:         persistence.FileRoleOriginal,
		AbsolutePath: e.abs,
		RelativePath: e.rel,
		Mime:         mtype.String(),
		Bytes:        size,
		Hash:         hash,
	}}
	rec.Raw, _ = json.Marshal(notePayload{
		Path: e.rel, Mime: mtype.String(), Bytes: size, ModifiedAt: e.info.ModTime().UTC(), FrontMatter: fm,
	})
	return rec
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

var fmDelim = []byte("---")

// splitFrontMatter separates a leading YAML block fenced by "---" lines.
func splitFrontMatter(data []byte) (*frontMatter, []byte, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(data, fmDelim) {
		return nil, data, nil
	}
	rest := data[len(fmDelim):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || len(bytes.TrimSpace(rest[:nl])) != 0 {
		return nil, data, nil
	}
	rest = rest[nl+1:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, data, nil
	}
	var fm frontMatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, nil, err
	}
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return &fm, body, nil
}

func noteTitle(rel, text string) string {
	for _, line := range strings.SplitN(text, "\n", 20) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
