package docs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tool names the runtime invokes as callable capabilities.
const (
	ToolDocRead   = "doc_read"
	ToolDocList   = "doc_list"
	ToolDocSearch = "doc_search"
)

type docReadArgs struct {
	ID string `json:"id"`
}

type docListArgs struct {
	FolderID string `json:"folder_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

type docListResult struct {
	Documents []Document `json:"documents"`
}

type docSearchArgs struct {
	Query string `json:"query"`
}

type docSearchResult struct {
	Matches []SearchMatch `json:"matches"`
}

// HandleTool dispatches one runtime tool invocation and returns its
// structured JSON result.
func (s *Service) HandleTool(name string, args json.RawMessage) (json.RawMessage, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	switch strings.TrimSpace(name) {
	case ToolDocRead:
		var a docReadArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("%s: invalid arguments: %w", ToolDocRead, err)
		}
		res, err := s.Read(a.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case ToolDocList:
		var a docListArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, fmt.Errorf("%s: invalid arguments: %w", ToolDocList, err)
			}
		}
		list, err := s.List(a.FolderID, a.Limit, a.Offset)
		if err != nil {
			return nil, err
		}
		return json.Marshal(docListResult{Documents: list})
	case ToolDocSearch:
		var a docSearchArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("%s: invalid arguments: %w", ToolDocSearch, err)
		}
		matches, err := s.Search(a.Query)
		if err != nil {
			return nil, err
		}
		return json.Marshal(docSearchResult{Matches: matches})
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}
