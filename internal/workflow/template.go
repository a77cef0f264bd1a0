package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// templateRef matches a single bare "{{path}}" or "{{path|filter}}"
// reference with nothing else in the string (after trimming), so the raw
// value can be returned with its original type rather than stringified.
var templateRef = regexp.MustCompile(`^\{\{\s*([^{}|]+?)\s*(?:\|\s*(\w+)\s*)?\}\}$`)

// templateSpan matches every "{{path}}"/"{{path|filter}}" occurrence for
// substring substitution.
var templateSpan = regexp.MustCompile(`\{\{\s*([^{}|]+?)\s*(?:\|\s*(\w+)\s*)?\}\}`)

// titleCaser renders locale-aware title case for the "title" template
// filter, e.g. `{{step_0.result.name|title}}`.
var titleCaser = cases.Title(language.English)

// applyFilter transforms a resolved value per a "|filter" suffix. Unknown
// filters are a no-op, matching the template engine's general tolerance for
// unresolved references.
func applyFilter(v any, filter string) any {
	if filter == "" {
		return v
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch filter {
	case "upper":
		return strings.ToUpper(s)
	case "lower":
		return strings.ToLower(s)
	case "title":
		return titleCaser.String(s)
	case "trim":
		return strings.TrimSpace(s)
	default:
		return v
	}
}

// ResolveTemplate resolves "{{path}}"/"{{path|filter}}" references in s
// against ctx.
//
// If s is exactly a single reference (after trimming), the raw value looked
// up at path is returned unchanged (after any filter), preserving its type —
// this is what lets a step's arguments carry a number, bool, list, or map
// instead of a stringified copy. Otherwise every reference occurring inside
// s is substituted with its stringified value (Stringify(nil) == "").
func ResolveTemplate(s string, ctx map[string]any) any {
	trimmed := strings.TrimSpace(s)
	if m := templateRef.FindStringSubmatch(trimmed); m != nil {
		return applyFilter(GetNestedValue(ctx, m[1]), m[2])
	}
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateSpan.ReplaceAllStringFunc(s, func(match string) string {
		sub := templateSpan.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		return Stringify(applyFilter(GetNestedValue(ctx, sub[1]), sub[2]))
	})
}

// Stringify renders a resolved value as it would appear substituted into a
// larger string: null becomes the empty string, and everything else uses its
// natural text form.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ResolveAllTemplates recurses into maps, slices, and strings, resolving
// "{{path}}" templates at every leaf; every other scalar (numbers, bools,
// nil) passes through unchanged. This is the entry point step configs use
// to resolve an entire `config.arguments` object against the run context.
func ResolveAllTemplates(obj any, ctx map[string]any) any {
	switch v := obj.(type) {
	case string:
		return ResolveTemplate(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = ResolveAllTemplates(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = ResolveAllTemplates(val, ctx)
		}
		return out
	default:
		return v
	}
}
