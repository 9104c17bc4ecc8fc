package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalEditor applies modification payloads as CSS overrides against
// the catalogue copy of a template.
type LocalEditor struct {
	catalog Catalog
}

// NewLocalEditor builds an editor over catalog.
func NewLocalEditor(catalog Catalog) *LocalEditor {
	return &LocalEditor{catalog: catalog}
}

func (e *LocalEditor) ApplyModification(ctx context.Context, templateID string, changes map[string]any) (UpdatedCodes, error) {
	category := categoryOf(templateID)
	templates, err := e.catalog.QueryTemplates(ctx, category, nil)
	if err != nil {
		return UpdatedCodes{}, fmt.Errorf("load template %s: %w", templateID, err)
	}
	var base *Template
	for i := range templates {
		if templates[i].ID == templateID {
			base = &templates[i]
			break
		}
	}
	if base == nil {
		return UpdatedCodes{}, fmt.Errorf("template %s not found", templateID)
	}

	selector, _ := changes["target_selector"].(string)
	property, _ := changes["property"].(string)
	value, _ := changes["value"].(string)
	if selector == "" || property == "" {
		return UpdatedCodes{}, fmt.Errorf("changes must name target_selector and property")
	}

	override := fmt.Sprintf("\n%s { %s: %s; }", cssSelector(selector), property, value)
	return UpdatedCodes{
		TemplateID: templateID,
		HTML:       base.HTML,
		CSS:        base.CSS + override,
	}, nil
}

// categoryOf relies on the catalogue's "<category>-<variant>" id shape.
func categoryOf(templateID string) string {
	if i := strings.IndexByte(templateID, '-'); i > 0 {
		return templateID[:i]
	}
	return templateID
}

func cssSelector(target string) string {
	if strings.HasPrefix(target, ".") || strings.HasPrefix(target, "#") {
		return target
	}
	switch target {
	case "header", "footer", "nav", "form", "button":
		return target
	default:
		return "." + target
	}
}

// LocalRenderer produces an SVG placeholder preview. Real rendering
// happens in the browser; previews only need to reflect that a change
// went through.
type LocalRenderer struct{}

func (LocalRenderer) RenderPreview(ctx context.Context, templateID string) ([]byte, error) {
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="640" height="400"><rect width="100%%" height="100%%" fill="#f4f4f4"/><text x="20" y="40" font-family="sans-serif">%s</text></svg>`,
		templateID)
	return []byte(svg), nil
}

// LocalReporter writes session reports as JSON files under a directory.
type LocalReporter struct {
	dir string
}

// NewLocalReporter creates dir if needed.
func NewLocalReporter(dir string) (*LocalReporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &LocalReporter{dir: dir}, nil
}

func (r *LocalReporter) GenerateReport(ctx context.Context, sessionID string, options map[string]any) (ReportHandle, error) {
	handle := ReportHandle{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
	handle.Path = filepath.Join(r.dir, fmt.Sprintf("%s-%s.json", sessionID, handle.ID[:8]))

	payload, err := json.MarshalIndent(map[string]any{
		"session_id":   sessionID,
		"generated_at": handle.CreatedAt,
		"options":      options,
	}, "", "  ")
	if err != nil {
		return ReportHandle{}, err
	}
	if err := os.WriteFile(handle.Path, payload, 0o644); err != nil {
		return ReportHandle{}, fmt.Errorf("write report: %w", err)
	}
	return handle, nil
}

// LocalAnalyzer guesses a palette from raw image bytes. It is a
// heuristic stand-in for a vision model.
type LocalAnalyzer struct{}

func (LocalAnalyzer) AnalyzeLogo(ctx context.Context, image []byte) (LogoAnalysis, error) {
	if len(image) == 0 {
		return LogoAnalysis{}, fmt.Errorf("empty image")
	}
	// Derive a stable accent color from the payload so repeated uploads
	// of the same logo agree.
	var sum uint32
	for _, b := range image {
		sum = sum*31 + uint32(b)
	}
	accent := fmt.Sprintf("#%06x", sum%0xffffff)
	style := "minimal"
	if len(image) > 64<<10 {
		style = "detailed"
	}
	return LogoAnalysis{Colors: []string{accent, "#ffffff"}, Style: style}, nil
}
