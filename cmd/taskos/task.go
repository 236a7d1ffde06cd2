package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/basket/taskos/internal/store"
)

func taskUsage() {
	fmt.Fprintln(os.Stderr, `usage: taskos task <action> [args]

actions:
  create -mode <interactive|assisted|autonomous> -spec <json>
  freeze <task-id>
  advance <task-id> <planning|implementation>
  open <task-id> [-hold]
  resume <task-id>
  complete <task-id> -evidence <json>
  fail <task-id> -reason <text>
  show <task-id>
  events <task-id>`)
}

// runTaskCommand wires the engine in-process for one operation. The
// write queue starts, the operation commits, the queue drains.
func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		taskUsage()
		return 2
	}

	c, err := buildCore(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer c.close()

	c.queue.Start(ctx)
	defer c.queue.Stop()

	action, rest := args[0], args[1:]
	switch action {
	case "create":
		return taskCreate(ctx, c, rest)
	case "freeze":
		return oneTaskOp(rest, func(id string) error { return c.machine.FreezeSpec(ctx, id) })
	case "advance":
		if len(rest) != 2 {
			taskUsage()
			return 2
		}
		if err := c.machine.AdvancePhase(ctx, rest[0], store.Phase(rest[1])); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "open":
		if len(rest) < 1 || len(rest) > 2 {
			taskUsage()
			return 2
		}
		hold := len(rest) == 2 && rest[1] == "-hold"
		if err := c.machine.OpenPlan(ctx, rest[0], hold); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "resume":
		return oneTaskOp(rest, func(id string) error { return c.machine.Resume(ctx, id) })
	case "complete":
		id, value, ok := idWithFlag(rest, "-evidence")
		if !ok {
			taskUsage()
			return 2
		}
		if err := c.machine.Complete(ctx, id, value); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "fail":
		id, value, ok := idWithFlag(rest, "-reason")
		if !ok {
			taskUsage()
			return 2
		}
		if err := c.machine.Fail(ctx, id, value); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "show":
		return taskShow(ctx, c, rest)
	case "events":
		return taskEvents(ctx, c, rest)
	default:
		taskUsage()
		return 2
	}
}

func taskCreate(ctx context.Context, c *core, args []string) int {
	mode := string(store.RunModeInteractive)
	spec := ""
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "-mode":
			mode = args[i+1]
		case "-spec":
			spec = args[i+1]
		}
	}
	if spec == "" {
		fmt.Fprintln(os.Stderr, "task create: -spec is required")
		return 2
	}
	task, err := c.machine.Create(ctx, spec, store.RunMode(mode))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(task)
	return 0
}

func taskShow(ctx context.Context, c *core, args []string) int {
	if len(args) != 1 {
		taskUsage()
		return 2
	}
	task, err := c.machine.GetTask(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(task)
	return 0
}

func taskEvents(ctx context.Context, c *core, args []string) int {
	if len(args) != 1 {
		taskUsage()
		return 2
	}
	events, err := c.machine.ListEvents(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, ev := range events {
		printJSON(ev)
	}
	return 0
}

func oneTaskOp(args []string, op func(id string) error) int {
	if len(args) != 1 {
		taskUsage()
		return 2
	}
	if err := op(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// idWithFlag parses "<task-id> <flag> <value>".
func idWithFlag(args []string, flag string) (id, value string, ok bool) {
	if len(args) != 3 || args[1] != flag {
		return "", "", false
	}
	return args[0], args[2], true
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}
