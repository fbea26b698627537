// Package mcptool exposes the search shard as Model Context Protocol tools
// over stdio, so agent runtimes can query the corpus directly.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/arkhamlabs/arkham/internal/domain/document"
	"github.com/arkhamlabs/arkham/internal/domain/search"
	"github.com/arkhamlabs/arkham/internal/frame"
	"github.com/arkhamlabs/arkham/internal/version"
)

// searchArgs are the arguments of the search_documents tool.
type searchArgs struct {
	Query string `json:"query" jsonschema:"full-text query over the document corpus"`
	Mode  string `json:"mode,omitempty" jsonschema:"hybrid | semantic | keyword (default hybrid)"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum results (default 10)"`
}

// regexArgs are the arguments of the regex_search tool.
type regexArgs struct {
	Pattern string `json:"pattern" jsonschema:"Go regular expression to run over document text"`
	Flags   string `json:"flags,omitempty" jsonschema:"set to i for case-insensitive matching"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum matches (default 25)"`
}

// getDocumentArgs are the arguments of the get_document tool.
type getDocumentArgs struct {
	DocumentID string `json:"document_id" jsonschema:"registered document ID"`
}

// NewServer builds the MCP server over an assembled frame.
func NewServer(f *frame.Frame) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "arkham", Version: version.Version}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_documents",
		Description: "Search the investigation corpus with hybrid vector + keyword retrieval.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchArgs) (*mcp.CallToolResult, any, error) {
		if args.Query == "" {
			return nil, nil, fmt.Errorf("query is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 10
		}

		resp, err := f.Search.Search(ctx, search.Request{
			Query: args.Query,
			Mode:  search.Mode(args.Mode),
			Limit: limit,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("search: %w", err)
		}
		return textResult(resp)
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "regex_search",
		Description: "Run a regular expression over all document text; returns matches with context.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args regexArgs) (*mcp.CallToolResult, any, error) {
		if args.Pattern == "" {
			return nil, nil, fmt.Errorf("pattern is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 25
		}

		result, err := f.Search.RegexSearch(ctx, search.RegexRequest{
			Pattern: args.Pattern,
			Flags:   args.Flags,
			Limit:   limit,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("regex search: %w", err)
		}
		return textResult(result)
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_document",
		Description: "Fetch a registered document's metadata and full extracted text.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getDocumentArgs) (*mcp.CallToolResult, any, error) {
		if args.DocumentID == "" {
			return nil, nil, fmt.Errorf("document_id is required")
		}

		doc, err := f.Documents.Get(ctx, args.DocumentID)
		if err != nil {
			if errors.Is(err, document.ErrNotFound) {
				return nil, nil, fmt.Errorf("document %s not found", args.DocumentID)
			}
			return nil, nil, fmt.Errorf("get document: %w", err)
		}
		text, err := f.Documents.FullText(ctx, args.DocumentID)
		if err != nil {
			return nil, nil, fmt.Errorf("document text: %w", err)
		}
		return textResult(map[string]any{"document": doc, "text": text})
	})

	return srv
}

// Run serves MCP over stdio until the context is cancelled.
func Run(ctx context.Context, f *frame.Frame) error {
	return NewServer(f).Run(ctx, &mcp.StdioTransport{})
}

// textResult marshals v into a single text content block.
func textResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
