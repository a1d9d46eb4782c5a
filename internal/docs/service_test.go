package docs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) (string, *Service) {
	t.Helper()
	root := t.TempDir()
	return root, NewService(root, nil)
}

func writeDoc(t *testing.T, root string, rel string, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestRead_SmallDocumentUntouched(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	writeDoc(t, root, "notes/plan.md", "# Plan\n\ndo the thing")

	res, err := s.Read("notes/plan.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Truncated {
		t.Fatalf("small document marked truncated")
	}
	if res.Note != "" {
		t.Fatalf("unexpected note: %q", res.Note)
	}
	if res.Content != "# Plan\n\ndo the thing" {
		t.Fatalf("content=%q", res.Content)
	}
	if res.Name != "plan" || res.ID != "notes/plan.md" {
		t.Fatalf("name=%q id=%q", res.Name, res.ID)
	}
}

func TestRead_TruncatesBelowCeiling(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	writeDoc(t, root, "big.md", strings.Repeat("a", 70_000))

	res, err := s.Read("big.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncation")
	}
	if len(res.Content) >= maxDocumentBytes {
		t.Fatalf("content length %d, want < %d", len(res.Content), maxDocumentBytes)
	}
	if res.Note == "" {
		t.Fatalf("truncation must carry an explanatory note")
	}
}

func TestRead_TruncationRuneBoundary(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	// Multibyte runes straddling the ceiling must not be split.
	writeDoc(t, root, "uni.md", strings.Repeat("日", 25_000))

	res, err := s.Read("uni.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncation")
	}
	if len(res.Content) >= maxDocumentBytes {
		t.Fatalf("content length %d, want < %d", len(res.Content), maxDocumentBytes)
	}
	if !strings.HasSuffix(res.Content, "日") {
		t.Fatalf("content ends mid-rune")
	}
}

func TestRead_NotFound(t *testing.T) {
	t.Parallel()
	_, s := newTestVault(t)

	if _, err := s.Read("missing.md"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err=%v, want ErrDocumentNotFound", err)
	}
}

func TestRead_EscapeRejected(t *testing.T) {
	t.Parallel()
	_, s := newTestVault(t)

	if _, err := s.Read("../../etc/passwd"); err == nil {
		t.Fatalf("expected path escape rejection")
	}
}

func TestList_FolderFilterAndClamp(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	for i := 0; i < MaxPageSize+30; i++ {
		writeDoc(t, root, fmt.Sprintf("bulk/doc%03d.md", i), "x")
	}
	writeDoc(t, root, "other/readme.md", "y")

	// Caller limit over the cap is silently clamped, not rejected.
	all, err := s.List("", 10_000, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != MaxPageSize {
		t.Fatalf("len=%d, want %d", len(all), MaxPageSize)
	}

	bulk, err := s.List("bulk", 0, 0)
	if err != nil {
		t.Fatalf("List bulk: %v", err)
	}
	for _, d := range bulk {
		if d.Folder != "bulk" {
			t.Fatalf("folder filter leaked %q", d.ID)
		}
	}

	// Offset is a plain row skip.
	skipped, err := s.List("bulk", 5, 10)
	if err != nil {
		t.Fatalf("List offset: %v", err)
	}
	if len(skipped) != 5 || skipped[0].ID != "bulk/doc010.md" {
		t.Fatalf("skipped=%d first=%s", len(skipped), skipped[0].ID)
	}

	// Offset past the end yields an empty page, not an error.
	empty, err := s.List("other", 10, 500)
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("len=%d, want 0", len(empty))
	}
}

func TestList_IgnoresNonMarkdownAndHidden(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	writeDoc(t, root, "a.md", "x")
	writeDoc(t, root, "image.png", "binary")
	writeDoc(t, root, ".hidden.md", "x")
	writeDoc(t, root, ".obsidian/config.md", "x")

	out, err := s.List("", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a.md" {
		t.Fatalf("out=%+v, want only a.md", out)
	}
}

func TestSearch_NameAndContent(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	writeDoc(t, root, "recipes/pasta.md", "boil water, add salt")
	writeDoc(t, root, "travel/rome.md", "the pasta there is excellent")
	writeDoc(t, root, "work/todo.md", "ship the release")

	matches, err := s.Search("PASTA")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches=%d, want 2", len(matches))
	}
	byID := map[string]SearchMatch{}
	for _, m := range matches {
		byID[m.ID] = m
	}
	if _, ok := byID["recipes/pasta.md"]; !ok {
		t.Fatalf("name match missing")
	}
	if m, ok := byID["travel/rome.md"]; !ok || !strings.Contains(m.Snippet, "pasta") {
		t.Fatalf("content match missing or snippet empty: %+v", m)
	}
}

func TestContextSummary_SmallProject(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	for i := 0; i < 5; i++ {
		writeDoc(t, root, fmt.Sprintf("doc%d.md", i), "x")
	}

	pc, err := s.ContextSummary()
	if err != nil {
		t.Fatalf("ContextSummary: %v", err)
	}
	if pc.IsLargeProject {
		t.Fatalf("5 documents flagged large")
	}
	if len(pc.Documents) != 5 {
		t.Fatalf("documents=%d, want all 5 embedded", len(pc.Documents))
	}
}

func TestContextSummary_LargeProject(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	for i := 0; i < 25; i++ {
		writeDoc(t, root, fmt.Sprintf("doc%02d.md", i), "x")
	}

	pc, err := s.ContextSummary()
	if err != nil {
		t.Fatalf("ContextSummary: %v", err)
	}
	if !pc.IsLargeProject {
		t.Fatalf("25 documents not flagged large")
	}
	if len(pc.Documents) != 0 {
		t.Fatalf("documents=%d, want none embedded", len(pc.Documents))
	}
	if !strings.Contains(pc.Guidance, ToolDocList) || !strings.Contains(pc.Guidance, ToolDocSearch) {
		t.Fatalf("guidance must name the lookup tools: %q", pc.Guidance)
	}
}

func TestContextSummary_ThresholdBoundary(t *testing.T) {
	t.Parallel()
	root, s := newTestVault(t)
	for i := 0; i < largeProjectThreshold; i++ {
		writeDoc(t, root, fmt.Sprintf("doc%02d.md", i), "x")
	}

	pc, err := s.ContextSummary()
	if err != nil {
		t.Fatalf("ContextSummary: %v", err)
	}
	if !pc.IsLargeProject {
		t.Fatalf("count == threshold must already be large")
	}
}
