package filesync

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	xhtml "golang.org/x/net/html"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

const markerAttribute = "data-pagesync-idx"

var (
	// ErrInvalidSelector indicates a selector that does not compile.
	ErrInvalidSelector = errors.New("filesync: invalid selector")
	// ErrSelectorNotFound indicates a selector that matches no element of the file.
	ErrSelectorNotFound = errors.New("filesync: selector matched no element")
	// ErrNotContainer indicates a text or html section addressed to a void element.
	ErrNotContainer = errors.New("filesync: element cannot hold content")
	// ErrUnclosedElement indicates an element whose end tag is missing from the source.
	ErrUnclosedElement = errors.New("filesync: element has no end tag")
	// ErrOverlappingSections indicates two sections rewriting the same bytes.
	ErrOverlappingSections = errors.New("filesync: sections overlap")
)

var attributeEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;")

var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {}, "img": {},
	"input": {}, "link": {}, "meta": {}, "source": {}, "track": {}, "wbr": {},
}

type tokenSpan struct {
	kind  xhtml.TokenType
	name  string
	start int
	end   int
}

type indexedDocument struct {
	source []byte
	tokens []tokenSpan
	// tagTokens maps a marker index to its token index.
	tagTokens []int
	marked    *goquery.Document
}

type splice struct {
	start       int
	end         int
	replacement []byte
	sectionID   string
}

// Render rewrites the elements addressed by sections inside original and returns the new
// document. Bytes outside the addressed regions are copied unchanged. Sections must already be
// sanitized: text and html payloads are inserted verbatim as element content.
func Render(original []byte, sections pages.Sections) ([]byte, error) {
	doc, err := indexDocument(original)
	if err != nil {
		return nil, err
	}
	splices := make([]splice, 0, len(sections))
	for _, section := range sections {
		edit, err := doc.spliceFor(section)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", section.ID, err)
		}
		splices = append(splices, edit)
	}
	sort.Slice(splices, func(i, j int) bool { return splices[i].start < splices[j].start })
	for i := 1; i < len(splices); i++ {
		if splices[i].start < splices[i-1].end {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingSections, splices[i-1].sectionID, splices[i].sectionID)
		}
	}

	var out bytes.Buffer
	out.Grow(len(original))
	cursor := 0
	for _, edit := range splices {
		out.Write(original[cursor:edit.start])
		out.Write(edit.replacement)
		cursor = edit.end
	}
	out.Write(original[cursor:])
	return out.Bytes(), nil
}

func indexDocument(source []byte) (*indexedDocument, error) {
	doc := &indexedDocument{source: source}
	tokenizer := xhtml.NewTokenizer(bytes.NewReader(source))
	offset := 0
	for {
		kind := tokenizer.Next()
		if kind == xhtml.ErrorToken {
			if errors.Is(tokenizer.Err(), io.EOF) {
				break
			}
			return nil, tokenizer.Err()
		}
		span := tokenSpan{kind: kind, start: offset, end: offset + len(tokenizer.Raw())}
		switch kind {
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken, xhtml.EndTagToken:
			name, _ := tokenizer.TagName()
			span.name = string(name)
		}
		doc.tokens = append(doc.tokens, span)
		offset = span.end
	}

	var marked bytes.Buffer
	marked.Grow(len(source) + len(doc.tokens)*24)
	for index, span := range doc.tokens {
		raw := source[span.start:span.end]
		if span.kind != xhtml.StartTagToken && span.kind != xhtml.SelfClosingTagToken {
			marked.Write(raw)
			continue
		}
		insertAt := markerPosition(raw)
		if insertAt < 0 {
			marked.Write(raw)
			continue
		}
		marked.Write(raw[:insertAt])
		fmt.Fprintf(&marked, ` %s="%d"`, markerAttribute, len(doc.tagTokens))
		marked.Write(raw[insertAt:])
		doc.tagTokens = append(doc.tagTokens, index)
	}
	marked.Write(source[offset:])

	parsed, err := goquery.NewDocumentFromReader(&marked)
	if err != nil {
		return nil, err
	}
	doc.marked = parsed
	return doc, nil
}

func markerPosition(raw []byte) int {
	if len(raw) < 2 || raw[len(raw)-1] != '>' {
		return -1
	}
	position := len(raw) - 1
	if raw[position-1] == '/' {
		position--
	}
	return position
}

func (d *indexedDocument) resolve(selector string) (int, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSelector, selector, err)
	}
	selection := d.marked.FindMatcher(matcher)
	if selection.Length() == 0 {
		return 0, fmt.Errorf("%w: %q", ErrSelectorNotFound, selector)
	}
	value, ok := selection.First().Attr(markerAttribute)
	if !ok {
		return 0, fmt.Errorf("%w: %q resolves to an element absent from the source", ErrSelectorNotFound, selector)
	}
	marker, err := strconv.Atoi(value)
	if err != nil || marker < 0 || marker >= len(d.tagTokens) {
		return 0, fmt.Errorf("%w: %q", ErrSelectorNotFound, selector)
	}
	return d.tagTokens[marker], nil
}

func (d *indexedDocument) spliceFor(section pages.Section) (splice, error) {
	tokenIndex, err := d.resolve(section.Selector)
	if err != nil {
		return splice{}, err
	}
	open := d.tokens[tokenIndex]
	switch section.Kind {
	case pages.SectionKindText, pages.SectionKindHTML:
		content := section.Text
		if section.Kind == pages.SectionKindHTML {
			content = section.HTML
		}
		closeIndex, err := d.matchingEnd(tokenIndex)
		if err != nil {
			return splice{}, err
		}
		return splice{
			start:       open.end,
			end:         d.tokens[closeIndex].start,
			replacement: []byte(*content),
			sectionID:   section.ID,
		}, nil
	case pages.SectionKindImage:
		tag, err := d.rewriteStartTag(open, func(attrs []xhtml.Attribute) []xhtml.Attribute {
			attrs = setAttribute(attrs, "src", section.Image.Src)
			return setAttribute(attrs, "alt", html.UnescapeString(section.Image.Alt))
		})
		if err != nil {
			return splice{}, err
		}
		return splice{start: open.start, end: open.end, replacement: tag, sectionID: section.ID}, nil
	case pages.SectionKindBackground:
		tag, err := d.rewriteStartTag(open, func(attrs []xhtml.Attribute) []xhtml.Attribute {
			style, _ := attributeValue(attrs, "style")
			return setAttribute(attrs, "style", withBackgroundImage(style, section.Background.URL))
		})
		if err != nil {
			return splice{}, err
		}
		return splice{start: open.start, end: open.end, replacement: tag, sectionID: section.ID}, nil
	default:
		return splice{}, fmt.Errorf("%w: kind %q", pages.ErrInvalidSection, section.Kind)
	}
}

func (d *indexedDocument) matchingEnd(openIndex int) (int, error) {
	open := d.tokens[openIndex]
	if _, void := voidElements[open.name]; void || open.kind == xhtml.SelfClosingTagToken {
		return 0, fmt.Errorf("%w: <%s>", ErrNotContainer, open.name)
	}
	depth := 1
	for index := openIndex + 1; index < len(d.tokens); index++ {
		candidate := d.tokens[index]
		if candidate.name != open.name {
			continue
		}
		switch candidate.kind {
		case xhtml.StartTagToken:
			depth++
		case xhtml.EndTagToken:
			depth--
			if depth == 0 {
				return index, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: <%s>", ErrUnclosedElement, open.name)
}

func (d *indexedDocument) rewriteStartTag(open tokenSpan, mutate func([]xhtml.Attribute) []xhtml.Attribute) ([]byte, error) {
	tokenizer := xhtml.NewTokenizer(bytes.NewReader(d.source[open.start:open.end]))
	if kind := tokenizer.Next(); kind != xhtml.StartTagToken && kind != xhtml.SelfClosingTagToken {
		return nil, fmt.Errorf("%w: expected start tag", ErrSelectorNotFound)
	}
	token := tokenizer.Token()
	attrs := mutate(token.Attr)

	var out bytes.Buffer
	out.WriteByte('<')
	out.WriteString(token.Data)
	for _, attr := range attrs {
		out.WriteByte(' ')
		if attr.Namespace != "" {
			out.WriteString(attr.Namespace)
			out.WriteByte(':')
		}
		out.WriteString(attr.Key)
		out.WriteString(`="`)
		out.WriteString(attributeEscaper.Replace(attr.Val))
		out.WriteByte('"')
	}
	if open.kind == xhtml.SelfClosingTagToken {
		out.WriteString(" /")
	}
	out.WriteByte('>')
	return out.Bytes(), nil
}

func attributeValue(attrs []xhtml.Attribute, key string) (string, bool) {
	for _, attr := range attrs {
		if attr.Namespace == "" && attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

func setAttribute(attrs []xhtml.Attribute, key, value string) []xhtml.Attribute {
	for index := range attrs {
		if attrs[index].Namespace == "" && attrs[index].Key == key {
			attrs[index].Val = value
			return attrs
		}
	}
	return append(attrs, xhtml.Attribute{Key: key, Val: value})
}

// withBackgroundImage replaces any background-image declaration in style.
func withBackgroundImage(style, target string) string {
	declarations := make([]string, 0, 4)
	for _, declaration := range strings.Split(style, ";") {
		trimmed := strings.TrimSpace(declaration)
		if trimmed == "" {
			continue
		}
		property, _, _ := strings.Cut(trimmed, ":")
		if strings.EqualFold(strings.TrimSpace(property), "background-image") {
			continue
		}
		declarations = append(declarations, trimmed)
	}
	declarations = append(declarations, fmt.Sprintf("background-image: url('%s')", target))
	return strings.Join(declarations, "; ")
}
