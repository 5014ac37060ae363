package main

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"edithistory/internal/history"
)

var errUsage = errors.New("invalid usage")

func (a *app) dispatch(cmd string, args []string) error {
	switch cmd {
	case "import":
		return a.cmdImport(args)
	case "apply":
		return a.cmdApply(args)
	case "state":
		return a.withImage(args, a.cmdState)
	case "history":
		return a.cmdEvents(args, a.svc.EditHistory)
	case "timeline":
		return a.cmdEvents(args, a.svc.Timeline)
	case "undo":
		return a.withImage(args, a.cmdUndo)
	case "redo":
		return a.cmdRedo(args)
	case "reset":
		return a.withImage(args, a.cmdReset)
	case "count":
		return a.withImage(args, a.cmdCount)
	case "replay":
		return a.withImage(args, a.cmdReplay)
	case "snapshot":
		return a.cmdSnapshot(args)
	case "restore-event":
		return a.cmdRestoreEvent(args)
	case "migrate":
		return a.cmdMigrate(args)
	case "doctor":
		return a.cmdDoctor()
	case "shell":
		return a.cmdShell()
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func parseLimit(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", args[i])
	}
	return n, nil
}

func (a *app) withImage(args []string, fn func(imageID int64) error) error {
	if len(args) < 1 {
		return errUsage
	}
	id, err := parseID(args[0], "image")
	if err != nil {
		return err
	}
	return fn(id)
}

func (a *app) cmdImport(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	id, err := a.store.InsertImage(args[0])
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(map[string]any{"id": id, "path": args[0]})
	}
	fmt.Printf("Imported %s as image %d\n", args[0], id)
	return nil
}

func (a *app) cmdApply(args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	imageID, err := parseID(args[0], "image")
	if err != nil {
		return err
	}
	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("invalid value %q", args[2])
	}
	eventType := "adjust"
	if len(args) >= 4 {
		eventType = args[3]
	}

	req, err := history.ParameterEdit(imageID, eventType, args[1], value)
	if err != nil {
		return err
	}
	state, err := a.svc.ApplyEdit(req)
	if err != nil {
		return err
	}
	return printState(state)
}

func (a *app) cmdState(imageID int64) error {
	state, err := a.svc.CurrentState(imageID)
	if err != nil {
		return err
	}
	return printState(state)
}

func (a *app) cmdUndo(imageID int64) error {
	state, err := a.svc.Undo(imageID)
	if err != nil {
		return err
	}
	return printState(state)
}

func (a *app) cmdRedo(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	imageID, err := parseID(args[0], "image")
	if err != nil {
		return err
	}
	eventID, err := parseID(args[1], "event")
	if err != nil {
		return err
	}

	state, err := a.svc.Redo(imageID, eventID)
	if err != nil {
		return err
	}
	return printState(state)
}

func (a *app) cmdReset(imageID int64) error {
	if err := a.svc.Reset(imageID); err != nil {
		return err
	}
	fmt.Printf("Reset edits for image %d\n", imageID)
	return nil
}

func (a *app) cmdCount(imageID int64) error {
	n, err := a.svc.CountEventsSinceImport(imageID)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(map[string]int{"count": n})
	}
	fmt.Println(n)
	return nil
}

func (a *app) cmdReplay(imageID int64) error {
	res, err := a.svc.ReplayReport(imageID)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(res)
	}

	if res.CheckpointOffset > 0 {
		fmt.Printf("Started from checkpoint covering %d events\n", res.CheckpointOffset)
	}
	for _, o := range res.Outcomes {
		if o.Applied {
			fmt.Printf("  #%-6d %s = %g\n", o.EventID, o.Param, o.Value)
		} else {
			fmt.Printf("  #%-6d skipped (%s)\n", o.EventID, o.SkipReason)
		}
	}
	fmt.Printf("Skipped: %d\n", len(res.Skipped()))
	return nil
}

func (a *app) cmdEvents(args []string, list func(int64, int) ([]history.EditEventDTO, error)) error {
	if len(args) < 1 {
		return errUsage
	}
	imageID, err := parseID(args[0], "image")
	if err != nil {
		return err
	}
	limit, err := parseLimit(args, 1)
	if err != nil {
		return err
	}

	events, err := list(imageID, limit)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(events)
	}

	if len(events) == 0 {
		fmt.Println("No edits recorded.")
		return nil
	}
	for _, e := range events {
		status := "active"
		if e.Undone {
			status = "undone"
		}
		change := e.Payload
		if e.Value != nil {
			change = fmt.Sprintf("%s = %g", e.Param, *e.Value)
		}
		fmt.Printf("  #%-6d %s  %-8s %-6s %s\n",
			e.ID, e.CreatedAt.Local().Format(time.DateTime), e.EventType, status, change)
	}
	return nil
}

func (a *app) cmdSnapshot(args []string) error {
	if len(args) < 2 {
		return errUsage
	}

	switch args[0] {
	case "create":
		if len(args) < 3 {
			return errUsage
		}
		imageID, err := parseID(args[1], "image")
		if err != nil {
			return err
		}
		sn, err := a.svc.CreateSnapshot(imageID, args[2], strings.Join(args[3:], " "))
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(sn)
		}
		fmt.Printf("Created snapshot %d %q at %d edits\n", sn.ID, sn.Name, sn.EventCount)
		return nil

	case "list":
		imageID, err := parseID(args[1], "image")
		if err != nil {
			return err
		}
		snaps, err := a.svc.Snapshots(imageID)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(snaps)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, sn := range snaps {
			fmt.Printf("  %-6d %-20s %4d edits  %s  %s\n",
				sn.ID, sn.Name, sn.EventCount, sn.CreatedAt.Local().Format(time.DateTime), sn.Description)
		}
		return nil

	case "restore":
		id, err := parseID(args[1], "snapshot")
		if err != nil {
			return err
		}
		state, err := a.svc.RestoreToSnapshot(id)
		if err != nil {
			return err
		}
		return printState(state)

	case "delete":
		id, err := parseID(args[1], "snapshot")
		if err != nil {
			return err
		}
		if err := a.svc.DeleteSnapshot(id); err != nil {
			return err
		}
		fmt.Printf("Deleted snapshot %d\n", id)
		return nil

	default:
		return fmt.Errorf("unknown snapshot command %q: %w", args[0], errUsage)
	}
}

func (a *app) cmdRestoreEvent(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	imageID, err := parseID(args[0], "image")
	if err != nil {
		return err
	}
	eventID, err := parseID(args[1], "event")
	if err != nil {
		return err
	}

	state, err := a.svc.RestoreToEvent(imageID, eventID)
	if err != nil {
		return err
	}
	return printState(state)
}

func printState(state *history.EditState) error {
	if *jsonOutput {
		return printJSON(state)
	}

	fmt.Printf("Edits: %d  (undo: %s, redo: %s)\n", state.EventCount, yesNo(state.CanUndo), yesNo(state.CanRedo))
	params := make([]string, 0, len(state.Params))
	for k := range state.Params {
		params = append(params, k)
	}
	slices.Sort(params)
	for _, k := range params {
		fmt.Printf("  %-16s %g\n", k, state.Params[k])
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
