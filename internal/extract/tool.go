package extract

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
)

// Tool runs an external text-extraction command and returns its stdout.
type Tool struct {
	name    string
	binPath string
}

// NewTool creates a Tool. If binPath is empty, name is looked up on PATH.
func NewTool(name, binPath string) *Tool {
	if binPath == "" {
		binPath = name
	}
	return &Tool{name: name, binPath: binPath}
}

// Run executes the tool with args.
func (t *Tool) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "extract: %s failed: %s", t.name, stderr.String())
	}
	return stdout.String(), nil
}
