package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arkiv/chainwatch/internal/api/apitypes"
	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/client"
)

const (
	observationsURI  = "chainwatch://observations"
	resourceLimit    = 50
	defaultToolLimit = 20
)

// Server exposes the chainwatch query service over the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

func NewServer(apiURL string) (*Server, error) {
	c, err := client.New(apiURL)
	if err != nil {
		return nil, err
	}
	s := &Server{
		mcpServer: server.NewMCPServer("chainwatch", "1.0.0"),
		apiClient: c,
	}
	s.registerResources()
	s.registerTools()
	return s, nil
}

// Serve runs the server on stdio until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		observationsURI,
		"Recent block observations",
		mcp.WithResourceDescription("Most recent persisted head-state observations, highest height first"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadObservations)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"recent_observations",
		mcp.WithDescription("List recent block observations (height, hash, difficulty, tx count, size, peers)."),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 20, max 1000)")),
	), s.handleRecentObservations)

	s.mcpServer.AddTool(mcp.NewTool(
		"latest_observation",
		mcp.WithDescription("Return the observation at the highest stored height."),
	), s.handleLatestObservation)
}

func (s *Server) handleReadObservations(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	obs, err := s.apiClient.Recent(ctx, resourceLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch observations: %w", err)
	}
	data, err := marshalObservations(obs)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentObservations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", defaultToolLimit))
	if limit < 1 || limit > apitypes.MaxLimit {
		return mcp.NewToolResultError(fmt.Sprintf("limit must be in 1..%d", apitypes.MaxLimit)), nil
	}
	obs, err := s.apiClient.Recent(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	data, err := marshalObservations(obs)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleLatestObservation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, err := s.apiClient.Latest(ctx)
	if errors.Is(err, client.ErrNotFound) {
		return mcp.NewToolResultText("No observations stored yet."), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	data, err := json.MarshalIndent(apitypes.FromChain(o), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal observation: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func marshalObservations(obs []chain.BlockObservation) ([]byte, error) {
	items := make([]apitypes.Observation, 0, len(obs))
	for _, o := range obs {
		items = append(items, apitypes.FromChain(o))
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal observations: %w", err)
	}
	return data, nil
}
