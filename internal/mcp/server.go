// Package mcp exposes a running engine to language-model agents over the
// Model Context Protocol. Tools cover the query and checkpoint surface;
// frame ingestion stays on the stream and HTTP paths.
package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/semafield/semafield/pkg/engine"
)

func NewMCPServer(eng *engine.Engine) *mcp.Server {
	service := NewService(eng)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "Semafield Scene",
		Version: "0.1.0",
	}, nil)

	// The generic AddTool derives each tool's input schema from the
	// jsonschema tags on the args structs.

	mcp.AddTool(s, &mcp.Tool{
		Name:        "scene_query",
		Description: "Rank scene primitives against a natural-language prompt. Returns world positions and relevancy scores of the best matches.",
	}, service.SceneQuery)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "scene_cells",
		Description: "Aggregate relevancy over a voxel grid to find WHERE in the room a concept lives (e.g. to pick a navigation goal).",
	}, service.SceneCells)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "scene_stats",
		Description: "Report optimizer state, step count, primitive count and ingestion queue depth of the live scene.",
	}, service.SceneStats)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "save_checkpoint",
		Description: "Persist the current scene to an on-disk checkpoint and return its path.",
	}, service.SaveCheckpoint)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_checkpoints",
		Description: "List the on-disk checkpoint catalog, oldest first.",
	}, service.ListCheckpoints)

	return s
}
