package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Template is a catalogue entry.
type Template struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
	HTML     string   `json:"html,omitempty"`
	CSS      string   `json:"css,omitempty"`
}

// UpdatedCodes is the result of applying a modification.
type UpdatedCodes struct {
	TemplateID string `json:"template_id"`
	HTML       string `json:"html"`
	CSS        string `json:"css"`
}

// ReportHandle references a generated report artifact.
type ReportHandle struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// LogoAnalysis is the result of analyzing an uploaded logo.
type LogoAnalysis struct {
	Colors []string `json:"colors"`
	Style  string   `json:"style"`
}

// Catalog queries the template catalogue.
type Catalog interface {
	Categories(ctx context.Context) ([]string, error)
	QueryTemplates(ctx context.Context, category string, tags []string) ([]Template, error)
}

// Editor applies modifications to a template.
type Editor interface {
	ApplyModification(ctx context.Context, templateID string, changes map[string]any) (UpdatedCodes, error)
}

// Renderer produces preview images.
type Renderer interface {
	RenderPreview(ctx context.Context, templateID string) ([]byte, error)
}

// Reporter generates project reports.
type Reporter interface {
	GenerateReport(ctx context.Context, sessionID string, options map[string]any) (ReportHandle, error)
}

// LogoAnalyzer extracts colors and style from an image.
type LogoAnalyzer interface {
	AnalyzeLogo(ctx context.Context, image []byte) (LogoAnalysis, error)
}

// Collaborators bundles the external capabilities exposed as tools.
type Collaborators struct {
	Catalog      Catalog
	Editor       Editor
	Renderer     Renderer
	Reporter     Reporter
	LogoAnalyzer LogoAnalyzer
}

// RegisterBuiltins wires the collaborator interfaces into the registry
// under their tool names. Each tool is pure: effects are confined to
// the collaborator and the returned value.
func RegisterBuiltins(r *Registry, c Collaborators) error {
	regs := []struct {
		name string
		fn   Func
		spec Spec
	}{
		{
			name: "set_category",
			fn:   setCategoryTool(c.Catalog),
			spec: Spec{
				Description: "Validate and select a page category.",
				Params: []ParamSpec{
					{Name: "category", Type: "string", Required: true},
				},
			},
		},
		{
			name: "query_templates",
			fn:   queryTemplatesTool(c.Catalog),
			spec: Spec{
				Description: "List catalogue templates for a category.",
				Params: []ParamSpec{
					{Name: "category", Type: "string", Required: true},
					{Name: "tags", Type: "array"},
				},
			},
		},
		{
			name: "apply_modification",
			fn:   applyModificationTool(c.Editor),
			spec: Spec{
				Description: "Apply a validated modification to the selected template.",
				Params: []ParamSpec{
					{Name: "template_id", Type: "string", Required: true},
					{Name: "changes", Type: "object", Required: true},
				},
			},
		},
		{
			name: "refresh_preview",
			fn:   refreshPreviewTool(c.Renderer),
			spec: Spec{
				Description: "Re-render the preview image for a template.",
				Params: []ParamSpec{
					{Name: "template_id", Type: "string", Required: true},
				},
			},
		},
		{
			name: "generate_report",
			fn:   generateReportTool(c.Reporter),
			spec: Spec{
				Description: "Generate the final project report.",
				Params: []ParamSpec{
					{Name: "session_id", Type: "string", Required: true},
					{Name: "options", Type: "object"},
				},
			},
		},
		{
			name: "analyze_logo",
			fn:   analyzeLogoTool(c.LogoAnalyzer),
			spec: Spec{
				Description: "Extract colors and style from an uploaded logo.",
				Params: []ParamSpec{
					{Name: "image", Type: "string", Required: true},
				},
			},
		},
	}

	for _, t := range regs {
		if err := r.Register(t.name, t.fn, t.spec); err != nil {
			return err
		}
	}
	return nil
}

func setCategoryTool(catalog Catalog) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		category := normalizeCategory(args["category"].(string))
		known, err := catalog.Categories(ctx)
		if err != nil {
			return nil, Transient("set_category", err)
		}
		for _, c := range known {
			if c == category {
				return map[string]any{"category": category}, nil
			}
		}
		return nil, Fatal("set_category",
			fmt.Errorf("unknown category %q (known: %s)", category, strings.Join(known, ", ")))
	}
}

func queryTemplatesTool(catalog Catalog) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		category := args["category"].(string)
		tags := stringSlice(args["tags"])
		templates, err := catalog.QueryTemplates(ctx, category, tags)
		if err != nil {
			return nil, Transient("query_templates", err)
		}
		return templates, nil
	}
}

func applyModificationTool(editor Editor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		templateID := args["template_id"].(string)
		changes := args["changes"].(map[string]any)
		updated, err := editor.ApplyModification(ctx, templateID, changes)
		if err != nil {
			return nil, Transient("apply_modification", err)
		}
		return updated, nil
	}
}

func refreshPreviewTool(renderer Renderer) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		templateID := args["template_id"].(string)
		img, err := renderer.RenderPreview(ctx, templateID)
		if err != nil {
			return nil, Transient("refresh_preview", err)
		}
		return map[string]any{"template_id": templateID, "image_bytes": len(img)}, nil
	}
}

func generateReportTool(reporter Reporter) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		sessionID := args["session_id"].(string)
		options, _ := args["options"].(map[string]any)
		handle, err := reporter.GenerateReport(ctx, sessionID, options)
		if err != nil {
			return nil, Transient("generate_report", err)
		}
		return handle, nil
	}
}

func analyzeLogoTool(analyzer LogoAnalyzer) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		image := args["image"].(string)
		if image == "" {
			return nil, Fatal("analyze_logo", fmt.Errorf("empty image payload"))
		}
		analysis, err := analyzer.AnalyzeLogo(ctx, []byte(image))
		if err != nil {
			return nil, Transient("analyze_logo", err)
		}
		return analysis, nil
	}
}

// normalizeCategory folds aliases ("sign-up") onto canonical names.
func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "sign-up" || c == "sign up" {
		return "signup"
	}
	return c
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
