package threat

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrParse indicates that a document could not be parsed into a tree.
var ErrParse = errors.New("threat: parse failed")

const maxTreeDepth = 1024

// PatternType categorizes an extracted script-like pattern.
type PatternType string

const (
	PatternEventHandler       PatternType = "event_handler"
	PatternJavascriptURL      PatternType = "javascript_url"
	PatternInlineScript       PatternType = "inline_script"
	PatternDangerousAttribute PatternType = "dangerous_attribute"
)

// Pattern is a single script-like fragment found in a document.
type Pattern struct {
	Type            PatternType `json:"type"`
	Raw             string      `json:"-"`
	Normalized      string      `json:"normalized_pattern"`
	Hash            string      `json:"hash"`
	ElementSelector string      `json:"element_selector"`
	AttributeName   string      `json:"attribute_name,omitempty"`
}

var urlAttributes = map[string]struct{}{
	"href":       {},
	"src":        {},
	"action":     {},
	"formaction": {},
	"xlink:href": {},
	"data":       {},
	"poster":     {},
	"background": {},
	"lowsrc":     {},
	"dynsrc":     {},
}

// ExtractPatterns parses document and returns its event handlers, javascript: URLs,
// inline script bodies and dangerous attributes in document order.
func ExtractPatterns(document string) ([]Pattern, error) {
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	collector := &patternCollector{}
	if err := collector.walk(root, nil, 0); err != nil {
		return nil, err
	}
	return collector.patterns, nil
}

type patternCollector struct {
	patterns []Pattern
}

func (c *patternCollector) walk(node *html.Node, path []string, depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrParse, maxTreeDepth)
	}
	if node.Type == html.ElementNode {
		path = append(path, selectorStep(node))
		c.inspectElement(node, path)
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if err := c.walk(child, path, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (c *patternCollector) inspectElement(node *html.Node, path []string) {
	selector := joinSelector(path)
	for _, attr := range node.Attr {
		name := strings.ToLower(attr.Key)
		if attr.Namespace != "" {
			name = strings.ToLower(attr.Namespace) + ":" + name
		}
		value := strings.TrimSpace(attr.Val)
		switch {
		case strings.HasPrefix(name, "on") && len(name) > 2:
			if value != "" {
				c.add(PatternEventHandler, value, selector, name)
			}
		case name == "srcdoc":
			c.add(PatternDangerousAttribute, attr.Val, selector, name)
		default:
			if _, ok := urlAttributes[name]; !ok {
				continue
			}
			switch urlScheme(value) {
			case "javascript":
				c.add(PatternJavascriptURL, value, selector, name)
			case "data":
				c.add(PatternDangerousAttribute, value, selector, name)
			}
		}
	}
	if node.DataAtom == atom.Script || strings.EqualFold(node.Data, "script") {
		body := textContent(node)
		if strings.TrimSpace(body) != "" {
			c.add(PatternInlineScript, body, selector, "")
		}
	}
}

func (c *patternCollector) add(kind PatternType, raw, selector, attribute string) {
	normalized := Normalize(raw)
	c.patterns = append(c.patterns, Pattern{
		Type:            kind,
		Raw:             raw,
		Normalized:      normalized,
		Hash:            HashPattern(normalized),
		ElementSelector: selector,
		AttributeName:   attribute,
	})
}

// urlScheme returns the lowercased scheme of value after dropping the control characters and
// whitespace browsers ignore while resolving it.
func urlScheme(value string) string {
	var builder strings.Builder
	for _, r := range value {
		if r <= 0x20 || r == 0x7f {
			continue
		}
		if r == ':' {
			return strings.ToLower(builder.String())
		}
		if r == '/' || r == '?' || r == '#' {
			return ""
		}
		builder.WriteRune(r)
	}
	return ""
}

func textContent(node *html.Node) string {
	var builder strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.TextNode {
			builder.WriteString(child.Data)
		}
	}
	return builder.String()
}

func selectorStep(node *html.Node) string {
	tag := strings.ToLower(node.Data)
	var id, class string
	for _, attr := range node.Attr {
		switch attr.Key {
		case "id":
			id = strings.TrimSpace(attr.Val)
		case "class":
			if fields := strings.Fields(attr.Val); len(fields) > 0 {
				class = fields[0]
			}
		}
	}
	switch {
	case id != "":
		return tag + "#" + id
	case class != "":
		return tag + "." + class
	default:
		return tag
	}
}

func joinSelector(path []string) string {
	const maxSteps = 4
	steps := path
	for len(steps) > 1 && (steps[0] == "html" || steps[0] == "body" || steps[0] == "head") {
		steps = steps[1:]
	}
	if len(steps) > maxSteps {
		steps = steps[len(steps)-maxSteps:]
	}
	return strings.Join(steps, " > ")
}
