package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/basket/go-diary/internal/audit"
	"github.com/basket/go-diary/internal/config"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/shared"
)

// openStore loads config and opens the catalog for a one-shot command.
func openStore() (config.Config, *persistence.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath, nil,
		persistence.WithPricing(cfg.PriceTable()),
		persistence.WithFilePurge(cfg.PurgeFilesOnHardDelete),
		persistence.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		return cfg, nil, fmt.Errorf("open catalog: %w", err)
	}
	return cfg, store, nil
}

// cliActor names the local user for audit entries.
func cliActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func parseDay(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &persistence.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not RFC 3339 or YYYY-MM-DD", raw)}
}

type searchCommand struct {
	Field          string `long:"field" choice:"title_content" choice:"summary" choice:"subject" default:"title_content" description:"Vector to search"`
	Lang           string `long:"lang" description:"Restrict to items with this content language"`
	IncludeDeleted bool   `long:"include-deleted" description:"Include soft-deleted items"`
	Limit          int    `long:"limit" default:"20" description:"Maximum hits"`
	Args           struct {
		Query []string `positional-arg-name:"query" required:"1"`
	} `positional-args:"yes"`
}

func (c *searchCommand) Execute(_ []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	field, err := persistence.ParseSearchField(c.Field)
	if err != nil {
		return err
	}
	hits, err := store.Search(commandCtx, persistence.SearchQuery{
		Query:          strings.Join(c.Args.Query, " "),
		Field:          field,
		Language:       c.Lang,
		IncludeDeleted: c.IncludeDeleted,
		Limit:          c.Limit,
	})
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(hits))
	for _, h := range hits {
		rows = append(rows, []string{
			shortID(h.Item.ID), fmt.Sprintf("%.3f", h.Score), string(h.Item.Provider),
			h.Item.OccurredAt.Format("2006-01-02"), truncate(itemLabel(h.Item), 60),
		})
	}
	return newOutput().emit(hits, []string{"ID", "SCORE", "PROVIDER", "DATE", "TITLE"}, rows)
}

func itemLabel(it persistence.Item) string {
	if it.Title != "" {
		return it.Title
	}
	if it.Subject != "" {
		return it.Subject
	}
	return it.ContentText
}

type fuzzyCommand struct {
	Limit int `long:"limit" default:"10" description:"Maximum hits"`
	Args  struct {
		Query []string `positional-arg-name:"query" required:"1"`
	} `positional-args:"yes"`
}

func (c *fuzzyCommand) Execute(_ []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	hits, err := store.FuzzyMatch(commandCtx, strings.Join(c.Args.Query, " "), c.Limit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(hits))
	for _, h := range hits {
		rows = append(rows, []string{shortID(h.Item.ID), fmt.Sprintf("%.2f", h.Similarity), truncate(itemLabel(h.Item), 60)})
	}
	return newOutput().emit(hits, []string{"ID", "SIMILARITY", "TITLE"}, rows)
}

type canonicalCommand struct {
	Provider string `long:"provider" description:"Filter by provider"`
	Kind     string `long:"kind" description:"Filter by item kind"`
	From     string `long:"from" description:"Occurred at or after (YYYY-MM-DD)"`
	To       string `long:"to" description:"Occurred before (YYYY-MM-DD)"`
	Limit    int    `long:"limit" default:"50" description:"Maximum groups"`
}

func (c *canonicalCommand) Execute(_ []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	f := persistence.ItemFilter{Provider: persistence.Provider(c.Provider), Kind: persistence.ItemKind(c.Kind), Limit: c.Limit}
	if f.From, err = parseDay("from", c.From); err != nil {
		return err
	}
	if f.To, err = parseDay("to", c.To); err != nil {
		return err
	}
	groups, err := store.CanonicalItems(commandCtx, f)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{
			shortID(g.Item.ID), string(g.Item.Provider), string(g.Item.Kind),
			g.Item.OccurredAt.Format("2006-01-02"), fmt.Sprint(len(g.Duplicates)), truncate(itemLabel(g.Item), 50),
		})
	}
	return newOutput().emit(groups, []string{"ID", "PROVIDER", "KIND", "DATE", "DUPES", "TITLE"}, rows)
}

type costsCommand struct {
	GroupBy string `long:"group-by" choice:"operation" choice:"model" choice:"day" default:"operation" description:"Aggregation key"`
	From    string `long:"from" description:"Recorded at or after (YYYY-MM-DD)"`
	To      string `long:"to" description:"Recorded before (YYYY-MM-DD)"`
}

func (c *costsCommand) Execute(_ []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	from, err := parseDay("from", c.From)
	if err != nil {
		return err
	}
	to, err := parseDay("to", c.To)
	if err != nil {
		return err
	}
	rows, err := store.CostReport(commandCtx, from, to, persistence.CostGrouping(c.GroupBy))
	if err != nil {
		return err
	}
	out := make([][]string, 0, len(rows)+1)
	var total float64
	var calls int
	for _, r := range rows {
		total += r.CostUSD
		calls += r.Calls
		out = append(out, []string{
			r.Key, humanize.Comma(int64(r.Calls)), humanize.Comma(int64(r.Failures)),
			humanize.Comma(r.TotalTokens), fmt.Sprintf("$%.4f", r.CostUSD),
		})
	}
	if len(rows) > 1 {
		out = append(out, []string{"total", humanize.Comma(int64(calls)), "", "", fmt.Sprintf("$%.4f", total)})
	}
	return newOutput().emit(rows, []string{strings.ToUpper(c.GroupBy), "CALLS", "FAILED", "TOKENS", "COST"}, out)
}

type estimateCommand struct {
	Model      string `long:"model" required:"true" description:"Model to price against"`
	Completion int    `long:"completion-tokens" default:"500" description:"Expected output tokens"`
	Args       struct {
		ItemID string `positional-arg-name:"item-id" required:"1"`
	} `positional-args:"yes"`
}

func (c *estimateCommand) Execute(_ []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	est, err := store.EstimateItemCost(commandCtx, c.Args.ItemID, c.Model, c.Completion)
	if err != nil {
		return err
	}
	cost := fmt.Sprintf("$%.6f", est.CostUSD)
	if !est.KnownModel {
		cost = "unpriced"
	}
	rows := [][]string{{
		shortID(est.ItemID), est.Model, humanize.Comma(int64(est.PromptTokens)),
		humanize.Comma(int64(est.CompletionTokens)), cost,
	}}
	return newOutput().emit(est, []string{"ITEM", "MODEL", "PROMPT", "COMPLETION", "COST"}, rows)
}

type trashCommand struct{}

func (c *trashCommand) Execute(_ []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	items, err := store.ListDeleted(commandCtx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		purge := "never"
		if r := cfg.Retention(); r > 0 && it.DeletedAt != nil {
			purge = humanize.Time(it.DeletedAt.Add(r))
		}
		rows = append(rows, []string{shortID(it.ID), string(it.Provider), truncate(itemLabel(it), 50), agoPtr(it.DeletedAt), purge})
	}
	return newOutput().emit(items, []string{"ID", "PROVIDER", "TITLE", "DELETED", "PURGE"}, rows)
}

type deleteCommand struct {
	Mode string `long:"mode" choice:"soft" choice:"hard" description:"Deletion type (default: deletion_mode from config)"`
	Args struct {
		ID string `positional-arg-name:"item-id" required:"yes"`
	} `positional-args:"yes"`
}

func (c *deleteCommand) Execute(_ []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := audit.Init(cfg.HomeDir); err == nil {
		audit.SetDB(store.DB())
		defer audit.Close()
	}
	mode := cfg.Deletion()
	if c.Mode != "" {
		mode = persistence.DeletionType(c.Mode)
	}
	ctx := shared.WithActor(commandCtx, cliActor())
	err = store.Delete(ctx, c.Args.ID, mode)
	audit.Record(ctx, shared.Actor(ctx), "item.delete."+string(mode), c.Args.ID, err)
	if err != nil {
		return err
	}
	newOutput().line("%s deleted (%s)", c.Args.ID, mode)
	return nil
}

type restoreCommand struct {
	Args struct {
		ID string `positional-arg-name:"item-id" required:"yes"`
	} `positional-args:"yes"`
}

func (c *restoreCommand) Execute(_ []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := audit.Init(cfg.HomeDir); err == nil {
		audit.SetDB(store.DB())
		defer audit.Close()
	}
	ctx := shared.WithActor(commandCtx, cliActor())
	err = store.Restore(ctx, c.Args.ID)
	audit.Record(ctx, shared.Actor(ctx), "item.restore", c.Args.ID, err)
	if err != nil {
		return err
	}
	newOutput().line("%s restored", c.Args.ID)
	return nil
}

type purgeCommand struct {
	OlderThan time.Duration `long:"older-than" description:"Override the configured retention (e.g. 720h)"`
}

func (c *purgeCommand) Execute(_ []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	retention := cfg.Retention()
	if c.OlderThan > 0 {
		retention = c.OlderThan
	}
	if retention <= 0 {
		newOutput().line("retention disabled; nothing purged")
		return nil
	}
	n, err := store.PurgeSoftDeleted(commandCtx, retention)
	if err != nil {
		return err
	}
	out := newOutput()
	if out.json {
		return out.emitJSON(map[string]any{"purged": n, "older_than": retention.String()})
	}
	out.line("purged %d items deleted more than %s ago", n, retention)
	return nil
}

type backupCommand struct {
	Args struct {
		Path string `positional-arg-name:"dest" required:"yes"`
	} `positional-args:"yes"`
}

func (c *backupCommand) Execute(_ []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Backup(commandCtx, c.Args.Path); err != nil {
		return err
	}
	info, err := os.Stat(c.Args.Path)
	if err != nil {
		return err
	}
	newOutput().line("wrote %s (%s)", c.Args.Path, humanize.Bytes(uint64(info.Size())))
	return nil
}
