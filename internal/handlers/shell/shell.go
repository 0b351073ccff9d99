package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"unicode/utf8"

	"claimq/internal/domain"
)

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// maxResultOutput caps how much command output ends up in result_data.
const maxResultOutput = 2048

func (h Shell) Handle(ctx context.Context, task domain.Task) (string, error) {
	var c Cmd
	if err := json.Unmarshal(task.Parameters, &c); err != nil {
		return "", err
	}
	if c.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	if len(out) > maxResultOutput {
		// Land the cut on a rune boundary so the cap never splits a character.
		cut := maxResultOutput
		for cut > maxResultOutput-utf8.UTFMax && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return string(out), nil
}
