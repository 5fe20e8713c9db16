package render

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// BlockType identifies the kind of a template block.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockHeading BlockType = "heading"
	BlockButton  BlockType = "button"
	BlockImage   BlockType = "image"
	BlockDivider BlockType = "divider"
	BlockSpacer  BlockType = "spacer"
)

// Block is one element of a template document. Content and URL may contain
// {{variable}} tokens that are substituted at render time.
type Block struct {
	Type    BlockType         `json:"type"`
	Content string            `json:"content,omitempty"`
	URL     string            `json:"url,omitempty"`
	Alt     string            `json:"alt,omitempty"`
	Styles  map[string]string `json:"styles,omitempty"`
}

// Document is the per-language structure of an email template, an ordered
// list of blocks produced by the template editor.
type Document struct {
	Blocks []Block `json:"blocks"`
}

// Output holds the rendered bodies of a document.
type Output struct {
	HTML string
	Text string
}

// Substitute replaces {{key}} tokens with values from vars. Token matching
// is case-sensitive and whole-token only; unknown tokens are left in place
// so a missing variable is visible rather than silently blank.
func Substitute(s string, vars map[string]any) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}

	for key, value := range vars {
		token := "{{" + key + "}}"
		if strings.Contains(s, token) {
			s = strings.ReplaceAll(s, token, fmt.Sprintf("%v", value))
		}
	}

	return s
}

// Render produces the HTML and plain-text bodies for a document with the
// given variables applied.
func Render(doc *Document, vars map[string]any) (Output, error) {
	if doc == nil {
		return Output{}, fmt.Errorf("nil template document")
	}

	var htmlBody strings.Builder
	var textBody strings.Builder

	htmlBody.WriteString("<!DOCTYPE html>\n<html><body>\n")

	for _, block := range doc.Blocks {
		content := html.EscapeString(Substitute(block.Content, vars))
		url := Substitute(block.URL, vars)
		style := styleAttr(block.Styles)

		switch block.Type {
		case BlockText:
			fmt.Fprintf(&htmlBody, "<p%s>%s</p>\n", style, content)
			textBody.WriteString(Substitute(block.Content, vars))
			textBody.WriteString("\n\n")
		case BlockHeading:
			fmt.Fprintf(&htmlBody, "<h1%s>%s</h1>\n", style, content)
			textBody.WriteString(Substitute(block.Content, vars))
			textBody.WriteString("\n\n")
		case BlockButton:
			fmt.Fprintf(&htmlBody, "<a href=%q%s>%s</a>\n", url, style, content)
			fmt.Fprintf(&textBody, "%s: %s\n\n", Substitute(block.Content, vars), url)
		case BlockImage:
			fmt.Fprintf(&htmlBody, "<img src=%q alt=%q%s>\n", url, block.Alt, style)
			if block.Alt != "" {
				fmt.Fprintf(&textBody, "[%s]\n\n", block.Alt)
			}
		case BlockDivider:
			fmt.Fprintf(&htmlBody, "<hr%s>\n", style)
			textBody.WriteString("----\n\n")
		case BlockSpacer:
			htmlBody.WriteString("<br>\n")
			textBody.WriteString("\n")
		default:
			return Output{}, fmt.Errorf("unknown block type: %s", block.Type)
		}
	}

	htmlBody.WriteString("</body></html>\n")

	return Output{
		HTML: htmlBody.String(),
		Text: strings.TrimRight(textBody.String(), "\n") + "\n",
	}, nil
}

// styleAttr renders a deterministic inline style attribute from block styles
func styleAttr(styles map[string]string) string {
	if len(styles) == 0 {
		return ""
	}

	props := make([]string, 0, len(styles))
	for k := range styles {
		props = append(props, k)
	}
	sort.Strings(props)

	var sb strings.Builder
	for _, k := range props {
		fmt.Fprintf(&sb, "%s:%s;", k, styles[k])
	}

	return fmt.Sprintf(" style=%q", sb.String())
}
