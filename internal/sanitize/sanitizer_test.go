package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

var hostileInputs = []string{
	`<script>alert(1)</script>hello`,
	`<img src=x onerror="alert(1)">`,
	`<scr<script>ipt>alert(1)</script>`,
	`<a href="javascript:alert(1)">click</a>`,
	`<p onclick="steal()">text</p>`,
	`<svg><script>alert(1)</script></svg>`,
	`&lt;script&gt;alert(1)&lt;/script&gt;`,
	`<iframe srcdoc="<script>alert(1)</script>"></iframe>`,
	`plain & simple "quotes" 'single'`,
	`<div><p class="lead">Nested <b>bold</b> <a href="/about" title="About">link</a></p></div>`,
	`<<SCRIPT>alert("XSS");//<</SCRIPT>`,
}

func TestSanitizeIsIdempotentAndScriptFree(t *testing.T) {
	sanitizer := New()
	for _, kind := range []pages.SectionKind{pages.SectionKindText, pages.SectionKindHTML} {
		for _, input := range hostileInputs {
			once, err := sanitizer.Sanitize(input, kind)
			require.NoError(t, err)
			twice, err := sanitizer.Sanitize(once, kind)
			require.NoError(t, err)
			require.Equal(t, once, twice, "kind %s input %q", kind, input)
			require.NotContains(t, strings.ToLower(once), "<script", "kind %s input %q", kind, input)
			require.NotContains(t, strings.ToLower(once), "onerror=", "kind %s input %q", kind, input)
			require.NotContains(t, strings.ToLower(once), "onclick=", "kind %s input %q", kind, input)
		}
	}
}

func TestSanitizeTextStripsAllTags(t *testing.T) {
	out, err := New().Sanitize(`<b>Bold</b> & <i>italic</i>`, pages.SectionKindText)
	require.NoError(t, err)
	require.Equal(t, "Bold &amp; italic", out)
}

func TestSanitizeHTMLKeepsAllowList(t *testing.T) {
	out, err := New().Sanitize(`<p class="lead" style="color:red">Hi <a href="https://example.com" onclick="x()">there</a></p>`, pages.SectionKindHTML)
	require.NoError(t, err)
	require.Equal(t, `<p class="lead">Hi <a href="https://example.com">there</a></p>`, out)
}

func TestSanitizeHTMLDropsJavascriptHref(t *testing.T) {
	out, err := New().Sanitize(`<a href="javascript:alert(1)">x</a>`, pages.SectionKindHTML)
	require.NoError(t, err)
	require.NotContains(t, out, "javascript")
}

func TestSanitizeURL(t *testing.T) {
	accepted := map[string]string{
		"https://cdn.example.com/a.png": "https://cdn.example.com/a.png",
		"/img/hero.png":                 "/img/hero.png",
		"  images/b.jpg ":               "images/b.jpg",
	}
	for input, expected := range accepted {
		out, err := SanitizeURL(input)
		require.NoError(t, err, input)
		require.Equal(t, expected, out)
	}
	rejected := []string{
		"javascript:alert(1)",
		"java\tscript:alert(1)",
		"data:image/svg+xml;base64,AAAA",
		"vbscript:msgbox",
		"/a.png\") ; background:url(evil",
		"",
	}
	for _, input := range rejected {
		_, err := SanitizeURL(input)
		require.ErrorIs(t, err, ErrDisallowedURL, input)
	}
}

func TestSanitizeSectionImageEscapesAlt(t *testing.T) {
	section := pages.ImageSection("hero", "img#hero", "/hero.png", `Cats "and" <b>dogs</b>`)
	clean, err := New().SanitizeSection(section)
	require.NoError(t, err)
	require.Equal(t, "/hero.png", clean.Image.Src)
	require.Equal(t, "Cats &#34;and&#34; dogs", clean.Image.Alt)
	require.Equal(t, "img#hero", clean.Selector)
}

func TestSanitizeSectionRejectsHostileBackground(t *testing.T) {
	section := pages.BackgroundSection("banner", "div.banner", "javascript:alert(1)")
	_, err := New().SanitizeSection(section)
	require.ErrorIs(t, err, ErrDisallowedURL)
}
