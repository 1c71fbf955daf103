// Package config loads and merges OpenCode-format JSON/JSONC configuration
// and resolves the XDG data/config/cache/state paths runtime state is kept
// under.
//
// # Configuration Loading
//
// Load merges configuration from two sources in priority order, later
// sources overriding earlier ones. Only model, small_model, provider,
// agent, command, lsp, watcher and experimental are merged: the provider,
// agent and command maps key by key (a later entry replaces the whole
// earlier entry under that key), the others by overwriting when set.
// Every other field of types.Config ($schema, username, theme, share,
// tools, instructions, promptVariables, permission, mcp, formatter) is
// parsed from the files but not carried into the result:
//
//  1. Global config: <Paths.Config>/opencode.json or opencode.jsonc
//  2. Project config: <directory>/.opencode/opencode.json or opencode.jsonc
//
// Environment variables are then applied on top. ANTHROPIC_API_KEY,
// OPENAI_API_KEY, GOOGLE_API_KEY and AWS_ACCESS_KEY_ID set the apiKey of
// the matching provider entry only when the files left it empty;
// OPENCODE_MODEL and OPENCODE_SMALL_MODEL always override the
// file-configured models.
//
// # Supported Formats
//
// Both opencode.json and opencode.jsonc are tried at each location;
// jsonc comments (// and /* */) are stripped before unmarshalling.
//
// # Path Management
//
// GetPaths returns XDG Base Directory Specification paths, falling back to
// HOME-relative defaults (APPDATA on Windows) when the XDG_* environment
// variables are unset:
//   - Data: $XDG_DATA_HOME/opencode
//   - Config: $XDG_CONFIG_HOME/opencode
//   - Cache: $XDG_CACHE_HOME/opencode
//   - State: $XDG_STATE_HOME/opencode
//
// Paths.EnsurePaths creates all four directories; Paths.StoragePath and
// Paths.AuthPath resolve well-known files underneath Data.
package config
