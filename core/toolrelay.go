package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ym-dskr/talk-system/core/dialogue"
	"github.com/ym-dskr/talk-system/core/state"
	"github.com/ym-dskr/talk-system/core/tools"
)

var errNoToolHandler = errors.New("no tool handler configured")

type toolResult struct {
	call tools.Call
	// epoch the call was made in.
	epoch  uint64
	output string
	err    error
}

// relayToolCall runs a function call off the loop and posts its result back
// on toolResults.
func (o *Orchestrator) relayToolCall(ctx context.Context, call tools.Call, epoch uint64) {
	o.logger.Info("relaying tool call", "tool", call.Name, "call", call.ID)

	handler := o.tools
	timeout := o.cfg.ToolTimeout

	go func() {
		result := toolResult{call: call, epoch: epoch}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result.output, result.err = callTool(callCtx, handler, call)

		select {
		case o.toolResults <- result:
		case <-ctx.Done():
		}
	}()
}

// callTool reports a panicking tool as a failed call.
func callTool(ctx context.Context, handler tools.Handler, call tools.Call) (output string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			output, err = "", fmt.Errorf("tool %q panicked: %v", call.Name, recovered)
		}
	}()

	if handler == nil {
		return "", fmt.Errorf("tool %q failed: %w", call.Name, errNoToolHandler)
	}
	if output, err = handler.Call(ctx, call); err != nil {
		return "", fmt.Errorf("tool %q failed: %w", call.Name, err)
	}
	return output, nil
}

// handleToolResult reports the output to the service and asks it for a new
// response.
func (o *Orchestrator) handleToolResult(result toolResult) {
	output := result.output
	outcome := "ok"
	if result.err != nil {
		outcome = "error"
		output = fmt.Sprintf("Error: %v", result.err)
		o.logger.Warn("tool call failed", "tool", result.call.Name, "call", result.call.ID, "error", result.err)
	}
	o.metrics.toolCalls.WithLabelValues(result.call.Name, outcome).Inc()

	if err := o.link.Send(dialogue.NewFunctionCallOutput(result.call.ID, output)); err != nil {
		o.logger.Warn("failed to send tool output", "tool", result.call.Name, "error", err)
		return
	}
	// The user spoke while the tool ran; the service answers that instead.
	if result.epoch != o.interrupts.current() {
		o.logger.Info("not requesting a response for tool call of an interrupted turn",
			"tool", result.call.Name, "call", result.call.ID, "epoch", result.epoch)
		return
	}
	if err := o.link.Send(&dialogue.ResponseCreate{}); err != nil {
		o.logger.Warn("failed to request response after tool call", "tool", result.call.Name, "error", err)
		return
	}

	if o.machine.State() == state.Listening {
		o.transition(state.Processing)
	}
}
