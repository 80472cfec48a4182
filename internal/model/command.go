package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// CommandRequest is written as JSON to the simulator's stdin.
type CommandRequest struct {
	Parameters map[string]float64 `json:"parameters"`
	Vector     []float64          `json:"vector"`
}

// CommandResponse is read as JSON from the simulator's stdout.
type CommandResponse struct {
	Simulated []float64 `json:"simulated"`
}

// Command runs an external simulator once per evaluation. Each call starts a
// fresh process, so concurrent calls share no state.
type Command struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
	// Names labels the entries of the parameter vector in the request.
	Names []string
}

// Simulate runs the command with the parameters on stdin.
func (c *Command) Simulate(ctx context.Context, params []float64) ([]float64, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("model: command is empty")
	}
	if len(c.Names) != 0 && len(c.Names) != len(params) {
		return nil, fmt.Errorf("%w: %d names for %d parameters", ErrShape, len(c.Names), len(params))
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req := CommandRequest{
		Parameters: make(map[string]float64, len(params)),
		Vector:     params,
	}
	for i, v := range params {
		name := fmt.Sprintf("p%d", i+1)
		if len(c.Names) > 0 {
			name = c.Names[i]
		}
		req.Parameters[name] = v
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding simulator request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("simulator %s failed: %w (stderr: %s)", c.Argv[0], err, msg)
	}

	var resp CommandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding simulator output: %w", err)
	}
	return resp.Simulated, nil
}
