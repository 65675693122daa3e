package tools

import (
	"context"
	"fmt"
	"time"
)

// retryDelay separates attempts of a failed tool call.
const retryDelay = time.Second

// Result is the structured outcome of one tool execution.
type Result struct {
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Retries  int           `json:"retries"`
	Duration time.Duration `json:"duration"`
}

// Execute runs a named tool with timeout and retry handling. Unknown tools
// and argument errors fail without retrying; execution failures retry up to
// the tool's budget.
func Execute(ctx context.Context, registry *Registry, name string, args map[string]any) Result {
	tool, ok := registry.Get(name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	start := time.Now()
	retries := 0
	var lastErr error

	for {
		output, err := runOnce(ctx, tool, args)
		if err == nil {
			return Result{
				Success:  true,
				Output:   output,
				Retries:  retries,
				Duration: time.Since(start),
			}
		}
		lastErr = err

		if retries >= tool.MaxRetries || ctx.Err() != nil {
			return Result{
				Success:  false,
				Error:    lastErr.Error(),
				Retries:  retries,
				Duration: time.Since(start),
			}
		}
		retries++

		select {
		case <-ctx.Done():
			return Result{
				Success:  false,
				Error:    ctx.Err().Error(),
				Retries:  retries,
				Duration: time.Since(start),
			}
		case <-time.After(retryDelay):
		}
	}
}

func runOnce(ctx context.Context, tool Definition, args map[string]any) (any, error) {
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}
	return tool.Func(ctx, args)
}
