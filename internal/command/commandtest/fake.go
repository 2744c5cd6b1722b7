// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ecaci/internal/command"
)

// Response scripts the outcome of commands whose rendered command line
// starts with Prefix.
type Response struct {
	Prefix string
	Output string
	Err    error
	// Block makes the command wait until its context is done.
	Block bool
}

// Fake records every command and answers from Responses. The first
// matching response wins; unmatched commands succeed with no output.
type Fake struct {
	mu        sync.Mutex
	Responses []Response
	Calls     []command.Cmd
	// OnRun is called for every command before the response is applied.
	OnRun func(c command.Cmd)
}

func (f *Fake) Run(ctx context.Context, c command.Cmd) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, c)
	hook := f.OnRun
	var resp *Response
	line := c.String()
	for i := range f.Responses {
		if strings.HasPrefix(line, f.Responses[i].Prefix) {
			resp = &f.Responses[i]
			break
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if resp == nil {
		return nil
	}
	if resp.Output != "" && c.Output != nil {
		fmt.Fprint(c.Output, resp.Output)
	}
	if resp.Block {
		<-ctx.Done()
		return fmt.Errorf("%s: %w", c.Name, ctx.Err())
	}
	return resp.Err
}

// Lines returns the rendered command lines in call order.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.String())
	}
	return out
}
