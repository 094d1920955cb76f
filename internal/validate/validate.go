// Package validate checks gateway request bodies against embedded JSON
// Schemas before they are decoded into store requests.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/basket/go-diary/internal/persistence"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names.
const (
	Item          = "item"
	EmailSidecar  = "email_sidecar"
	DriveSidecar  = "drive_sidecar"
	File          = "file"
	Tags          = "tags"
	Duplicate     = "duplicate"
	Link          = "link"
	LinkUpdate    = "link_update"
	CalendarEvent = "calendar_event"
	Usage         = "usage"
	Session       = "session"
	SessionItem   = "session_item"
	Account       = "account"
)

// Validator holds the compiled request schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
	printer *message.Printer
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		// jsonschema.UnmarshalJSON keeps numbers as json.Number.
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names)), printer: message.NewPrinter(language.English)}
	for _, name := range names {
		sch, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = sch
	}
	return v, nil
}

// Decode validates body against the named schema and unmarshals it into dst.
// Malformed or non-conforming bodies yield a *persistence.ValidationError.
func (v *Validator) Decode(name string, body []byte, dst any) error {
	sch, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &persistence.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	if err := sch.Validate(doc); err != nil {
		return v.convert(err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &persistence.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (v *Validator) convert(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &persistence.ValidationError{Field: "body", Reason: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.Join(leaf.InstanceLocation, ".")
	if field == "" {
		field = "body"
	}
	return &persistence.ValidationError{Field: field, Reason: leaf.ErrorKind.LocalizedString(v.printer)}
}
