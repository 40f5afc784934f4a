package pages

import (
	"errors"
	"testing"
)

func TestSectionValidateRejectsMismatchedPayload(t *testing.T) {
	markup := "<p>hi</p>"
	section := Section{ID: "body", Kind: SectionKindText, HTML: &markup}
	if err := section.Validate(); !errors.Is(err, ErrInvalidSection) {
		t.Fatalf("expected invalid section, got %v", err)
	}
}

func TestSectionValidateRejectsMultiplePayloads(t *testing.T) {
	section := TextSection("body", "p", "hello")
	section.Image = &ImageContent{Src: "/a.png"}
	if err := section.Validate(); !errors.Is(err, ErrInvalidSection) {
		t.Fatalf("expected invalid section, got %v", err)
	}
}

func TestSectionsValidateRejectsDuplicateIDs(t *testing.T) {
	sections := Sections{TextSection("a", "h1", "one"), TextSection("a", "h2", "two")}
	if err := sections.Validate(); !errors.Is(err, ErrInvalidSection) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestSectionsMergeKeepsStoredSelector(t *testing.T) {
	stored := Sections{
		TextSection("headline", "h1.title", "Old"),
		BackgroundSection("banner", "div.banner", "/bg.png"),
	}
	submitted := Sections{TextSection("headline", "body", "New")}

	merged, applied, err := stored.Merge(submitted)
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if len(applied) != 1 || applied[0].Selector != "h1.title" {
		t.Fatalf("expected stored selector on applied section, got %#v", applied)
	}
	headline, _ := merged.Find("headline")
	if headline.Text == nil || *headline.Text != "New" {
		t.Fatalf("expected merged text to update")
	}
	if stored[0].Text == nil || *stored[0].Text != "Old" {
		t.Fatalf("expected stored sections to stay untouched")
	}
	if _, ok := merged.Find("banner"); !ok {
		t.Fatalf("expected untouched section to remain")
	}
}

func TestSectionsMergeRejectsUnknownAndKindChange(t *testing.T) {
	stored := Sections{TextSection("headline", "h1", "Old")}
	if _, _, err := stored.Merge(Sections{TextSection("missing", "h1", "x")}); !errors.Is(err, ErrUnknownSection) {
		t.Fatalf("expected unknown section error, got %v", err)
	}
	if _, _, err := stored.Merge(Sections{HTMLSection("headline", "h1", "<b>x</b>")}); !errors.Is(err, ErrInvalidSection) {
		t.Fatalf("expected kind mismatch error, got %v", err)
	}
	repeated := Sections{TextSection("headline", "h1", "One"), TextSection("headline", "h1", "Two")}
	if _, _, err := stored.Merge(repeated); !errors.Is(err, ErrInvalidSection) {
		t.Fatalf("expected repeated submission error, got %v", err)
	}
}

func TestSectionsScanRejectsInvalidVariant(t *testing.T) {
	var sections Sections
	raw := `[{"id":"hero","kind":"image","text":"not an image"}]`
	if err := sections.Scan(raw); !errors.Is(err, ErrInvalidSection) {
		t.Fatalf("expected scan to reject invalid variant, got %v", err)
	}
}

func TestSectionsValueRoundTrip(t *testing.T) {
	original := Sections{
		TextSection("headline", "h1", "Hello"),
		ImageSection("hero", "img", "/hero.png", "Hero"),
	}
	value, err := original.Value()
	if err != nil {
		t.Fatalf("unexpected value error: %v", err)
	}
	var decoded Sections
	if err := decoded.Scan(value); err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	if len(decoded) != 2 || decoded[1].Image == nil || decoded[1].Image.Alt != "Hero" {
		t.Fatalf("unexpected decoded sections: %#v", decoded)
	}
}

func TestParseSectionKind(t *testing.T) {
	kind, err := ParseSectionKind(" Background ")
	if err != nil || kind != SectionKindBackground {
		t.Fatalf("expected background kind, got %q (%v)", kind, err)
	}
	if _, err := ParseSectionKind("video"); !errors.Is(err, ErrInvalidSection) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestCleanFilePath(t *testing.T) {
	cases := map[string]string{
		"index.html":          "index.html",
		"/blog/./post.html":   "blog/post.html",
		"  docs//guide.html ": "docs/guide.html",
		`shop\cart.html`:      "shop/cart.html",
	}
	for input, expected := range cases {
		cleaned, err := CleanFilePath(input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", input, err)
		}
		if cleaned != expected {
			t.Fatalf("expected %q for %q, got %q", expected, input, cleaned)
		}
	}
	for _, input := range []string{"", "/", "../etc/passwd", "blog/../../secret.html"} {
		if _, err := CleanFilePath(input); !errors.Is(err, ErrInvalidFilePath) {
			t.Fatalf("expected invalid path error for %q, got %v", input, err)
		}
	}
}
