package command

import (
	"context"

	"github.com/amplifier-run/runtime/internal/config"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

// handleSlashCommandsList implements slash_commands.list: it resolves a
// working directory (directly, or via an existing session), loads that
// directory's configuration, and returns the custom commands an Executor
// would discover there alongside the fixed built-ins.
func (d *Dispatcher) handleSlashCommandsList(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	workDir := cmd.StringParam("working_directory")
	if workDir == "" {
		if id, ok := protocol.Param[string](cmd, "session_id"); ok {
			if s, found := d.sessions.Get(id); found {
				workDir = s.Directory
			}
		}
	}

	cfg, _ := config.Load(workDir)
	executor := NewExecutor(workDir, cfg)

	commands := executor.List()
	for _, builtin := range BuiltinCommands() {
		if _, exists := executor.Get(builtin.Name); !exists {
			commands = append(commands, builtin)
		}
	}

	out := make([]map[string]any, 0, len(commands))
	for _, c := range commands {
		out = append(out, map[string]any{
			"name":        c.Name,
			"description": c.Description,
			"agent":       c.Agent,
			"model":       c.Model,
			"subtask":     c.Subtask,
			"source":      c.Source,
		})
	}

	return map[string]any{"commands": out}, nil
}
