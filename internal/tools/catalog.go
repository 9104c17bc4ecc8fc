package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// SQLiteCatalog is a Catalog backed by a SQLite table. It is the default
// catalogue implementation; production deployments can swap in a client
// for the real template service.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog prepares the templates table on db and seeds it with
// the builtin fixture set if empty.
func NewSQLiteCatalog(db *sql.DB) (*SQLiteCatalog, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		tags_json TEXT NOT NULL,
		html TEXT NOT NULL,
		css TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_templates_category ON templates(category);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create templates schema: %w", err)
	}

	c := &SQLiteCatalog{db: db}
	if err := c.seed(); err != nil {
		return nil, err
	}
	return c, nil
}

// Categories implements Catalog.
func (c *SQLiteCatalog) Categories(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT category FROM templates ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, cat)
	}
	return out, rows.Err()
}

// QueryTemplates implements Catalog. Tag filtering requires every
// requested tag to be present on the template.
func (c *SQLiteCatalog) QueryTemplates(ctx context.Context, category string, tags []string) ([]Template, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, category, tags_json, html, css FROM templates WHERE category = ? ORDER BY id`, category)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var (
			t        Template
			tagsJSON string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Category, &tagsJSON, &t.HTML, &t.CSS); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode template tags: %w", err)
		}
		if hasAllTags(t.Tags, tags) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) seed() error {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM templates`).Scan(&n); err != nil {
		return fmt.Errorf("count templates: %w", err)
	}
	if n > 0 {
		return nil
	}

	for _, t := range fixtureTemplates() {
		tagsJSON, err := json.Marshal(t.Tags)
		if err != nil {
			return fmt.Errorf("encode template tags: %w", err)
		}
		_, err = c.db.Exec(
			`INSERT INTO templates (id, name, category, tags_json, html, css) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Category, string(tagsJSON), t.HTML, t.CSS,
		)
		if err != nil {
			return fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}
	return nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func fixtureTemplates() []Template {
	page := func(name string) string {
		return fmt.Sprintf("<html><body><h1>%s</h1></body></html>", name)
	}
	return []Template{
		{ID: "landing-hero", Name: "Hero Landing", Category: "landing", Tags: []string{"modern", "hero"}, HTML: page("Landing"), CSS: "body{margin:0}"},
		{ID: "landing-minimal", Name: "Minimal Landing", Category: "landing", Tags: []string{"minimal"}, HTML: page("Landing"), CSS: "body{margin:0}"},
		{ID: "login-basic", Name: "Basic Login", Category: "login", Tags: []string{"minimal", "form"}, HTML: page("Login"), CSS: "form{width:320px}"},
		{ID: "login-social", Name: "Social Login", Category: "login", Tags: []string{"modern", "social"}, HTML: page("Login"), CSS: "form{width:320px}"},
		{ID: "signup-basic", Name: "Basic Signup", Category: "signup", Tags: []string{"form"}, HTML: page("Signup"), CSS: "form{width:360px}"},
		{ID: "profile-card", Name: "Profile Card", Category: "profile", Tags: []string{"card"}, HTML: page("Profile"), CSS: ".card{padding:16px}"},
		{ID: "about-simple", Name: "Simple About", Category: "about", Tags: []string{"minimal"}, HTML: page("About"), CSS: "p{line-height:1.5}"},
		{ID: "dashboard-grid", Name: "Grid Dashboard", Category: "dashboard", Tags: []string{"grid", "dark"}, HTML: page("Dashboard"), CSS: ".grid{display:grid}"},
	}
}
