// Package sources implements the built-in sweep sources that read exported
// files from a directory.
package sources

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/go-diary/internal/config"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/sweep"
)

// FromConfig builds the source a sweep entry describes.
func FromConfig(sc config.SweepConfig, defaultLanguage string) (sweep.Source, error) {
	provider, err := persistence.ParseProvider(sc.Provider)
	if err != nil {
		return nil, fmt.Errorf("sweep %s: %w", sc.Name, err)
	}
	switch sc.Source {
	case config.SourceNotesDir:
		return NewNotesDir(sc.Name, sc.Dir, provider, defaultLanguage), nil
	case config.SourceEMLDir:
		return NewEMLDir(sc.Name, sc.Dir, provider), nil
	default:
		return nil, fmt.Errorf("sweep %s: unknown source %q", sc.Name, sc.Source)
	}
}

type dirEntry struct {
	abs  string
	rel  string
	info fs.FileInfo
}

// walk lists regular files under root whose extension passes keep, skipping
// hidden files and directories. Entries are sorted by relative path.
func walk(root string, keep func(ext string) bool) ([]dirEntry, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var out []dirEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !keep(strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, dirEntry{abs: path, rel: filepath.ToSlash(rel), info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out, nil
}

func readFile(e dirEntry) ([]byte, string, error) {
	data, err := os.ReadFile(e.abs)
	if err != nil {
		return nil, "", err
	}
	return data, hashBytes(data), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func ptr[T any](v T) *T { return &v }
