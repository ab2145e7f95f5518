package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// pages is an in-memory Source.
type pages []string

func (p pages) UnitCount() int { return len(p) }

func (p pages) ExtractPageText(_ context.Context, unit int) (string, error) {
	if unit < 1 || unit > len(p) {
		return "", fmt.Errorf("unit %d out of range", unit)
	}
	return p[unit-1], nil
}

// scripted returns labels by unit number and records what it was asked.
type scripted struct {
	labels map[int]Label
	errs   map[int]error
	seen   []int
}

func (s *scripted) Classify(_ context.Context, sample string, ordinal int, _ bool) (Label, error) {
	s.seen = append(s.seen, ordinal)
	if err := s.errs[ordinal]; err != nil {
		return "", err
	}
	if l, ok := s.labels[ordinal]; ok {
		return l, nil
	}
	return LabelFrontmatter, nil
}

type upper struct{ err error }

func (u upper) Format(_ context.Context, raw string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return strings.ToUpper(raw), nil
}

// prose builds a distinct page of text from a seed word.
func prose(seed string) string {
	var b strings.Builder
	for i := range 20 {
		fmt.Fprintf(&b, "%s%d sentence about %s number %d. ", seed, i, seed, i)
	}
	return b.String()
}

func noReformat() Config {
	c := DefaultConfig()
	c.Reformat = false
	return c
}

func TestLocate_FictionSkipsAnchor(t *testing.T) {
	src := pages{prose("title"), prose("chapter"), prose("story")}
	cls := &scripted{labels: map[int]Label{2: LabelContent, 3: LabelContent}}

	got, err := New(noReformat(), cls, nil, nil).Locate(context.Background(), src, true)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if got.Unit != 3 {
		t.Errorf("Unit = %d, want 3 (second CONTENT unit)", got.Unit)
	}
	if got.Text != strings.TrimSpace(src[2]) {
		t.Errorf("Text does not match unit 3")
	}
}

func TestLocate_NonFictionReturnsFirstImmediately(t *testing.T) {
	src := pages{prose("intro"), prose("more"), prose("rest")}
	cls := &scripted{labels: map[int]Label{1: LabelContent, 2: LabelContent}}

	got, err := New(noReformat(), cls, nil, nil).Locate(context.Background(), src, false)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if got.Unit != 1 {
		t.Errorf("Unit = %d, want 1", got.Unit)
	}
	if len(cls.seen) != 1 {
		t.Errorf("classifier called for units %v, want only unit 1", cls.seen)
	}
}

func TestLocate_AllFrontmatterFallsBackToUnitOne(t *testing.T) {
	src := pages{prose("copyright"), prose("dedication"), prose("contents")}
	got, err := New(noReformat(), &scripted{}, nil, nil).Locate(context.Background(), src, true)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if got.Unit != 1 || !got.Fallback {
		t.Errorf("expected fallback to unit 1, got %+v", got)
	}
	if got.Raw != src[0] {
		t.Error("fallback must return unit 1 raw text verbatim")
	}
}

func TestLocate_FictionSingleContentUsesAnchor(t *testing.T) {
	src := pages{prose("title"), prose("chapter"), prose("notes")}
	cls := &scripted{labels: map[int]Label{2: LabelContent}}

	got, err := New(noReformat(), cls, nil, nil).Locate(context.Background(), src, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Unit != 2 || got.Fallback {
		t.Errorf("expected anchor unit 2, got %+v", got)
	}
}

func TestLocate_DedupeSkipsRepeatedPage(t *testing.T) {
	boiler := prose("boilerplate")
	// Same text with a different page number stamped in.
	src := pages{boiler + " 1", boiler + " 2", prose("narrative")}
	cls := &scripted{labels: map[int]Label{2: LabelContent, 3: LabelContent}}

	got, err := New(noReformat(), cls, nil, nil).Locate(context.Background(), src, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range cls.seen {
		if u == 2 {
			t.Fatalf("near-duplicate unit 2 was classified: %v", cls.seen)
		}
	}
	if got.Unit != 3 {
		t.Errorf("Unit = %d, want 3", got.Unit)
	}
}

func TestLocate_SkipsShortUnits(t *testing.T) {
	src := pages{"", "   Part One   ", prose("body")}
	cls := &scripted{labels: map[int]Label{3: LabelContent}}

	got, err := New(noReformat(), cls, nil, nil).Locate(context.Background(), src, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Unit != 3 || len(cls.seen) != 1 {
		t.Errorf("short units should not be classified: unit=%d seen=%v", got.Unit, cls.seen)
	}
}

func TestLocate_MinLengthCountsCharacters(t *testing.T) {
	// 20 characters but 60 bytes of UTF-8.
	heading := strings.Repeat("第一章序言", 4)
	body := strings.Repeat("春眠不觉晓处处闻啼鸟 ", 6)
	src := pages{heading, body}
	cls := &scripted{labels: map[int]Label{2: LabelContent}}

	got, err := New(noReformat(), cls, nil, nil).Locate(context.Background(), src, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Unit != 2 || len(cls.seen) != 1 || cls.seen[0] != 2 {
		t.Errorf("unit under 50 characters should be skipped: unit=%d seen=%v", got.Unit, cls.seen)
	}
}

func TestLocate_NoTextAnywhere(t *testing.T) {
	src := pages{"", "short", "   "}
	_, err := New(noReformat(), &scripted{}, nil, nil).Locate(context.Background(), src, false)
	if !errors.Is(err, ErrNoText) {
		t.Errorf("expected ErrNoText, got %v", err)
	}
}

func TestLocate_ScanLimit(t *testing.T) {
	src := make(pages, 30)
	for i := range src {
		src[i] = prose(fmt.Sprintf("page%c", 'a'+i))
	}
	cls := &scripted{labels: map[int]Label{25: LabelContent}}
	cfg := noReformat()
	cfg.ScanLimit = 20

	got, err := New(cfg, cls, nil, nil).Locate(context.Background(), src, false)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Fallback || len(cls.seen) != 20 {
		t.Errorf("expected 20 classified units and fallback, got seen=%d %+v", len(cls.seen), got)
	}
}

func TestLocate_ClassifierErrorCountsAsContent(t *testing.T) {
	src := pages{prose("alpha"), prose("beta")}
	cls := &scripted{errs: map[int]error{1: errors.New("rate limited")}}

	got, err := New(noReformat(), cls, nil, nil).Locate(context.Background(), src, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Unit != 1 {
		t.Errorf("Unit = %d, want 1", got.Unit)
	}
}

func TestLocate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(noReformat(), &scripted{}, nil, nil).Locate(ctx, pages{prose("x")}, false)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLocate_Reformat(t *testing.T) {
	src := pages{prose("intro")}
	cls := &scripted{labels: map[int]Label{1: LabelContent}}

	tests := []struct {
		name      string
		formatter Formatter
		wantUpper bool
	}{
		{"applied", upper{}, true},
		{"error keeps raw", upper{err: errors.New("boom")}, false},
		{"nil formatter", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(DefaultConfig(), cls, tt.formatter, nil).Locate(context.Background(), src, false)
			if err != nil {
				t.Fatal(err)
			}
			if got.Reformatted != tt.wantUpper {
				t.Errorf("Reformatted = %v, want %v", got.Reformatted, tt.wantUpper)
			}
			if tt.wantUpper && got.Text != strings.ToUpper(strings.TrimSpace(src[0])) {
				t.Error("formatted text not used")
			}
			if !tt.wantUpper && got.Text != strings.TrimSpace(src[0]) {
				t.Error("raw text not kept")
			}
		})
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "alpha bravo charlie delta", "alpha bravo charlie delta", 1},
		{"disjoint", "alpha bravo", "charlie delta", 0},
		{"half", "alpha bravo charlie", "alpha bravo delta", 0.5},
		{"short words ignored", "the cat sat alpha", "a dog ran alpha", 1},
		{"case folded", "Alpha BRAVO", "alpha bravo", 1},
		{"both empty", "a an", "the", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jaccard(wordSet(tt.a), wordSet(tt.b)); got != tt.want {
				t.Errorf("Jaccard() = %v, want %v", got, tt.want)
			}
		})
	}
}
