package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/worldlink/internal/protocol"
)

// Built-in tool names. The registry is closed over this set; anything else is
// an UnknownToolError.
const (
	ViewFile           = "view_file"
	ListDir            = "list_dir"
	WriteToFile        = "write_to_file"
	ReplaceFileContent = "replace_file_content"
	GrepSearch         = "grep_search"

	SpawnCreature  = "spawn_creature"
	TeleportPlayer = "teleport_player"
	GetSceneInfo   = "get_scene_info"
	UpdateEntity   = "update_entity"
)

// Builtin returns the descriptors of every built-in tool.
func Builtin() []Descriptor {
	return []Descriptor{
		{
			Name:        ViewFile,
			Description: "Read a file inside the workspace. Optional 1-indexed StartLine/EndLine select a range. Output is capped at 10000 characters.",
			Locality:    Local,
			Handler:     viewFile,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"AbsolutePath": {"type": "string", "minLength": 1},
					"StartLine": {"type": "integer", "minimum": 1},
					"EndLine": {"type": "integer", "minimum": 1}
				},
				"required": ["AbsolutePath"]
			}`),
		},
		{
			Name:        ListDir,
			Description: "List a directory inside the workspace. At most 50 entries are returned.",
			Locality:    Local,
			Handler:     listDir,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"DirectoryPath": {"type": "string", "minLength": 1}
				},
				"required": ["DirectoryPath"]
			}`),
		},
		{
			Name:        WriteToFile,
			Description: "Create or overwrite a file inside the workspace.",
			Locality:    Local,
			Handler:     writeToFile,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"TargetFile": {"type": "string", "minLength": 1},
					"CodeContent": {"type": "string"},
					"Description": {"type": "string"}
				},
				"required": ["TargetFile", "CodeContent"]
			}`),
		},
		{
			Name:        ReplaceFileContent,
			Description: "Replace one exact, unique block of text in a workspace file.",
			Locality:    Local,
			Handler:     replaceFileContent,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"TargetFile": {"type": "string", "minLength": 1},
					"TargetContent": {"type": "string", "minLength": 1},
					"ReplacementContent": {"type": "string"}
				},
				"required": ["TargetFile", "TargetContent", "ReplacementContent"]
			}`),
		},
		{
			Name:        GrepSearch,
			Description: "Search workspace files line by line for a literal string or regular expression. At most 50 matches are returned.",
			Locality:    Local,
			Handler:     grepSearch,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"Query": {"type": "string", "minLength": 1},
					"SearchPath": {"type": "string"},
					"IsRegex": {"type": "boolean"},
					"CaseInsensitive": {"type": "boolean"}
				},
				"required": ["Query"]
			}`),
		},
		{
			Name:        SpawnCreature,
			Description: "Spawn creatures near the player in the connected world.",
			Locality:    Remote,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"creature": {"type": "string", "minLength": 1},
					"count": {"type": "integer", "minimum": 1, "maximum": 50}
				},
				"required": ["creature"]
			}`),
		},
		{
			Name:        TeleportPlayer,
			Description: "Teleport the player to a named location or to x,y,z coordinates.",
			Locality:    Remote,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"location": {"type": "string", "minLength": 1}
				},
				"required": ["location"]
			}`),
		},
		{
			Name:        GetSceneInfo,
			Description: "Describe the player's surroundings: biome, position and nearby entities.",
			Locality:    Remote,
			Schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        UpdateEntity,
			Description: "Update properties of an existing entity such as scale or color.",
			Locality:    Remote,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entityId": {"type": "string", "minLength": 1},
					"updates": {
						"type": "object",
						"properties": {
							"scale": {"type": "number", "exclusiveMinimum": 0},
							"color": {"type": "string"}
						}
					}
				},
				"required": ["entityId", "updates"]
			}`),
		},
	}
}

// DefaultRegistry builds the registry of built-in tools.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(Builtin()...)
}

// ConfiguredRegistry builds the built-in registry with per-tool timeout
// overrides. Overrides naming an unknown tool are an error.
func ConfiguredRegistry(timeouts map[string]time.Duration) (*Registry, error) {
	descs := Builtin()
	seen := make(map[string]bool, len(timeouts))
	for i := range descs {
		if d, ok := timeouts[descs[i].Name]; ok {
			descs[i].Timeout = d
			seen[descs[i].Name] = true
		}
	}
	for name := range timeouts {
		if !seen[name] {
			return nil, fmt.Errorf("timeout override for %s: %w", name, protocol.ErrUnknownTool)
		}
	}
	return NewRegistry(descs...)
}
