package render

import (
	"fmt"
	"html"
	"strings"
)

// HTML renders a DSL document into a standalone HTML page suitable for
// headless-browser capture. Element content is escaped; style maps become
// inline CSS.
func HTML(doc *Document, opts Options) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	if doc.Title != "" {
		fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(doc.Title))
	}
	background := opts.BackgroundColor
	if opts.TransparentBackground {
		background = "transparent"
	}
	fmt.Fprintf(&b, `<style>
body { margin: 0; font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: %s; }
.mockup { width: %dpx; min-height: %dpx; padding: 16px; box-sizing: border-box; }
.el-button { display: inline-block; padding: 8px 16px; border: 1px solid #ccc; border-radius: 4px; background: #f5f5f5; cursor: pointer; }
.el-input { display: block; width: 100%%; padding: 8px; border: 1px solid #ccc; border-radius: 4px; box-sizing: border-box; }
.el-text { margin: 8px 0; }
.el-image { max-width: 100%%; }
.el-row { display: flex; flex-direction: row; gap: 8px; }
.el-column { display: flex; flex-direction: column; gap: 8px; }
.el-container { padding: 8px; }
</style>
`, background, width(doc, opts), height(doc, opts))
	b.WriteString("</head>\n<body>\n<div class=\"mockup\">\n")
	if doc.Title != "" {
		fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(doc.Title))
	}
	for _, el := range doc.Elements {
		writeElement(&b, el)
	}
	b.WriteString("</div>\n</body>\n</html>\n")
	return b.String()
}

// width resolves the document width, preferring the DSL value.
func width(doc *Document, opts Options) int {
	if doc.Width > 0 {
		return doc.Width
	}
	return opts.Width
}

// height resolves the document height, preferring the DSL value.
func height(doc *Document, opts Options) int {
	if doc.Height > 0 {
		return doc.Height
	}
	return opts.Height
}

// writeElement renders one element and its children.
func writeElement(b *strings.Builder, el Element) {
	style := inlineStyle(el.Style)
	switch el.Type {
	case "button":
		fmt.Fprintf(b, "<button class=\"el-button\"%s>%s</button>\n", style, html.EscapeString(textOf(el)))
	case "text", "paragraph":
		fmt.Fprintf(b, "<p class=\"el-text\"%s>%s</p>\n", style, html.EscapeString(textOf(el)))
	case "heading":
		level := el.Level
		if level < 1 || level > 6 {
			level = 2
		}
		fmt.Fprintf(b, "<h%d%s>%s</h%d>\n", level, style, html.EscapeString(textOf(el)), level)
	case "input":
		fmt.Fprintf(b, "<input class=\"el-input\" placeholder=\"%s\"%s>\n", html.EscapeString(el.Placeholder), style)
	case "checkbox":
		checked := ""
		if el.Checked {
			checked = " checked"
		}
		fmt.Fprintf(b, "<label%s><input type=\"checkbox\"%s> %s</label>\n", style, checked, html.EscapeString(textOf(el)))
	case "image":
		fmt.Fprintf(b, "<img class=\"el-image\" src=\"%s\" alt=\"%s\"%s>\n", html.EscapeString(el.Src), html.EscapeString(textOf(el)), style)
	case "row", "column", "container":
		fmt.Fprintf(b, "<div class=\"el-%s\"%s>\n", el.Type, style)
		for _, child := range el.Children {
			writeElement(b, child)
		}
		b.WriteString("</div>\n")
	default:
		// Unknown types render as annotated boxes so the mockup still shows
		// where the element would sit.
		fmt.Fprintf(b, "<div class=\"el-container\"%s>[%s] %s</div>\n", style, html.EscapeString(el.Type), html.EscapeString(textOf(el)))
	}
}

// textOf returns the element's display text, preferring label over text.
func textOf(el Element) string {
	if el.Label != "" {
		return el.Label
	}
	return el.Text
}

// inlineStyle renders a style map as an inline style attribute.
func inlineStyle(style map[string]string) string {
	if len(style) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(style))
	for k, v := range style {
		pairs = append(pairs, html.EscapeString(k)+": "+html.EscapeString(v))
	}
	return fmt.Sprintf(" style=\"%s\"", strings.Join(pairs, "; "))
}
