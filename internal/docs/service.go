package docs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// maxDocumentBytes is the excerpt ceiling for a single document read.
	// Content is cut strictly below it, at a rune boundary, and the result
	// carries an explicit truncation note.
	maxDocumentBytes = 60_000

	// MaxPageSize caps listing/search pages; caller limits are clamped
	// silently, never rejected.
	MaxPageSize = 100

	// largeProjectThreshold is the document count at which the project
	// context summary stops embedding the document list and points at the
	// lookup tools instead. A token-budget trade-off, not truncation.
	largeProjectThreshold = 20
)

// ErrDocumentNotFound is returned when a document id resolves to nothing
// inside the vault.
var ErrDocumentNotFound = errors.New("document not found")

// Service exposes a markdown vault as agent-callable document tools.
// All paths are virtual POSIX paths mapped under the vault root; anything
// escaping the root is rejected.
type Service struct {
	root string
	log  *slog.Logger
}

func NewService(root string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Service{root: filepath.Clean(root), log: log.With("component", "docs")}
}

type Document struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

type ReadResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Note      string `json:"note,omitempty"`
}

type SearchMatch struct {
	Document
	Snippet string `json:"snippet,omitempty"`
}

// ProjectContext summarizes the vault for inclusion in a system prompt.
// Small projects embed the full document list; large ones omit it and name
// the lookup tools the runtime must use instead.
type ProjectContext struct {
	DocumentCount  int        `json:"document_count"`
	IsLargeProject bool       `json:"is_large_project"`
	Documents      []Document `json:"documents,omitempty"`
	Guidance       string     `json:"guidance,omitempty"`
}

// Read returns a document's content, truncated below the fixed ceiling
// with an explanatory note when the document is larger.
func (s *Service) Read(id string) (*ReadResult, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	vp, p, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}

	content := string(b)
	out := &ReadResult{
		ID:      strings.TrimPrefix(vp, "/"),
		Name:    docName(vp),
		Content: content,
	}
	if len(content) >= maxDocumentBytes {
		original := utf8.RuneCountInString(content)
		out.Content = truncateBelow(content, maxDocumentBytes)
		out.Truncated = true
		out.Note = fmt.Sprintf("Document %q is %d characters; content was truncated to fit the %d-character limit.",
			out.Name, original, maxDocumentBytes)
	}
	return out, nil
}

// List returns one page of documents, optionally filtered to a folder.
// limit is clamped to MaxPageSize; offset is a plain row skip, not a
// cursor.
func (s *Service) List(folderID string, limit int, offset int) ([]Document, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	if limit <= 0 {
		limit = MaxPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	all, err := s.listAll()
	if err != nil {
		return nil, err
	}

	folderID = normalizeFolder(folderID)
	filtered := all
	if folderID != "" {
		filtered = filtered[:0:0]
		for _, d := range all {
			if d.Folder == folderID || strings.HasPrefix(d.Folder, folderID+"/") {
				filtered = append(filtered, d)
			}
		}
	}

	if offset >= len(filtered) {
		return []Document{}, nil
	}
	filtered = filtered[offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Search matches the query case-insensitively against document names,
// paths, and content. Results are capped at MaxPageSize.
func (s *Service) Search(query string) ([]SearchMatch, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("missing query")
	}
	needle := strings.ToLower(query)

	all, err := s.listAll()
	if err != nil {
		return nil, err
	}

	out := make([]SearchMatch, 0, 16)
	for _, d := range all {
		if len(out) >= MaxPageSize {
			break
		}
		if strings.Contains(strings.ToLower(d.Name), needle) || strings.Contains(strings.ToLower(d.ID), needle) {
			out = append(out, SearchMatch{Document: d})
			continue
		}
		_, p, err := s.resolve(d.ID)
		if err != nil {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if idx := strings.Index(strings.ToLower(string(b)), needle); idx >= 0 {
			out = append(out, SearchMatch{Document: d, Snippet: snippetAround(string(b), idx, len(query))})
		}
	}
	return out, nil
}

// ContextSummary builds the project context block. Below the threshold the
// full document list is embedded; at or above it the list is omitted and
// the guidance names doc_list and doc_search.
func (s *Service) ContextSummary() (*ProjectContext, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}

	out := &ProjectContext{DocumentCount: len(all)}
	if len(all) >= largeProjectThreshold {
		out.IsLargeProject = true
		out.Guidance = fmt.Sprintf(
			"This project contains %d documents; the list is omitted. Use the %s tool to browse documents and the %s tool to find them by content.",
			len(all), ToolDocList, ToolDocSearch)
		return out, nil
	}
	out.Documents = all
	return out, nil
}

func (s *Service) listAll() ([]Document, error) {
	out := make([]Document, 0, 64)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if strings.ToLower(filepath.Ext(name)) != ".md" {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		out = append(out, Document{
			ID:     id,
			Name:   docName(id),
			Folder: normalizeFolder(path.Dir(id)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// resolve maps a virtual POSIX path to a real path under the vault root.
func (s *Service) resolve(p string) (virtual string, real string, err error) {
	if s == nil {
		return "", "", errors.New("nil service")
	}
	root := strings.TrimSpace(s.root)
	if root == "" {
		return "", "", errors.New("empty root")
	}

	p = strings.TrimSpace(p)
	if p == "" {
		return "", "", errors.New("missing document id")
	}

	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	vp := path.Clean(p)
	if vp == "." || vp == "/" {
		return "", "", errors.New("missing document id")
	}

	rel := strings.TrimPrefix(vp, "/")
	relOS := filepath.FromSlash(rel)
	if relOS != "" && filepath.IsAbs(relOS) {
		return "", "", errors.New("invalid absolute path")
	}

	abs := filepath.Clean(filepath.Join(root, relOS))
	ok, err := isWithinRoot(abs, root)
	if err != nil || !ok {
		return "", "", errors.New("path escapes vault root")
	}
	return vp, abs, nil
}

// resolveDir is resolve for directory paths; "/" maps to the vault root.
func (s *Service) resolveDir(p string) (string, string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/", s.root, nil
	}
	return s.resolve(p)
}

func isWithinRoot(path string, root string) (bool, error) {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false, err
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}

func docName(id string) string {
	base := path.Base(strings.TrimPrefix(id, "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

func normalizeFolder(folder string) string {
	folder = strings.Trim(strings.TrimSpace(strings.ReplaceAll(folder, "\\", "/")), "/")
	if folder == "." {
		return ""
	}
	return folder
}

// truncateBelow cuts s strictly below max bytes, on a rune boundary.
func truncateBelow(s string, max int) string {
	if len(s) < max {
		return s
	}
	cut := max - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func snippetAround(content string, idx int, matchLen int) string {
	const radius = 80
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + radius
	if end > len(content) {
		end = len(content)
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	snippet := strings.ReplaceAll(content[start:end], "\n", " ")
	return strings.TrimSpace(snippet)
}
