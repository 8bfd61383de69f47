package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/taskgraph/internal/config"
	"github.com/Kocoro-lab/taskgraph/internal/session"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
	"github.com/Kocoro-lab/taskgraph/internal/validation"
)

const usage = `usage: taskgraph [-config file] <command> [flags]

commands:
  plan       -session id "instruction"    derive tasks from an instruction and append them
  append     -session id -file nodes.yaml append caller-defined tasks
  execute    -session id [-tasks a,b]     one ordered pass over the given (or all) tasks
  run        -session id [-wait]          execute until nothing is ready, block stalled tasks
  status     -session id                  print the task graph and stalled tasks
  set-status -session id -task id -status s [-reason text]
  notes      -session id [-set text | -file f]
  schemas    -session id [-file schemas.yaml]
  delete     -session id
  agents                                  list registered agent types
  health                                  run health checks once
`

func main() {
	global := flag.NewFlagSet("taskgraph", flag.ExitOnError)
	configPath := global.String("config", os.Getenv("TASKGRAPH_CONFIG"), "config file (yaml, toml or json)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, level, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	config.Watch(v, logger, func(next *config.Config) {
		if lvl, err := config.ParseLevel(next.Logging.Level); err == nil && lvl != level.Level() {
			level.SetLevel(lvl)
			logger.Info("Log level changed", zap.Stringer("level", lvl))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}

	err = dispatch(ctx, a, args[0], args[1:], os.Stdout)
	a.Close()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Error("Command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, a *app, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id")

	switch cmd {
	case "plan":
		if err := fs.Parse(args); err != nil {
			return err
		}
		instruction := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if instruction == "" {
			return errors.New("plan needs an instruction")
		}
		id := *sessionID
		if id == "" {
			id = session.NewSessionID()
		}
		nodes, err := a.engine.CreateTaskPlan(ctx, id, instruction)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]interface{}{"session_id": id, "tasks": nodes})

	case "append":
		file := fs.String("file", "", "yaml or json list of task nodes")
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		var nodes []*tasks.TaskNode
		if err := readDocument(*file, &nodes); err != nil {
			return err
		}
		if err := a.engine.UpdatePlanDynamically(ctx, *sessionID, nodes); err != nil {
			return err
		}
		return writeJSON(out, map[string]interface{}{"session_id": *sessionID, "appended": len(nodes)})

	case "execute":
		only := fs.String("tasks", "", "comma separated task ids, in execution order")
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		g, err := a.engine.GetTaskStatus(ctx, *sessionID)
		if err != nil {
			return err
		}
		nodes := g.Nodes()
		if *only != "" {
			nodes = nil
			for _, id := range strings.Split(*only, ",") {
				nodes = append(nodes, &tasks.TaskNode{ID: strings.TrimSpace(id)})
			}
		}
		results, err := a.engine.ExecutePlan(ctx, *sessionID, nodes)
		if err != nil && results == nil {
			return err
		}
		if werr := writeJSON(out, map[string]interface{}{"session_id": *sessionID, "results": results}); werr != nil {
			return werr
		}
		return err

	case "run":
		wait := fs.Bool("wait", false, "keep the admin server up after the run until interrupted")
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		report, err := a.engine.Run(ctx, *sessionID)
		if report != nil {
			if werr := writeJSON(out, report); werr != nil {
				return werr
			}
		}
		if err == nil && *wait && a.admin != nil {
			<-ctx.Done()
		}
		return err

	case "status":
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		g, err := a.engine.GetTaskStatus(ctx, *sessionID)
		if err != nil {
			return err
		}
		stalls, err := a.engine.Diagnose(ctx, *sessionID)
		if err != nil {
			return err
		}
		if stalls == nil {
			stalls = []validation.Stall{}
		}
		counts := map[string]int{}
		for status, n := range g.CountByStatus() {
			counts[string(status)] = n
		}
		return writeJSON(out, map[string]interface{}{
			"session_id": *sessionID,
			"counts":     counts,
			"graph":      g,
			"stalled":    stalls,
		})

	case "set-status":
		taskID := fs.String("task", "", "task id")
		status := fs.String("status", "", "new status")
		reason := fs.String("reason", "", "blocked reason, or a text result")
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		var result interface{}
		if *reason != "" {
			result = *reason
		}
		n, err := a.engine.UpdateTaskStatus(ctx, *sessionID, *taskID, tasks.Status(*status), result)
		if err != nil {
			return err
		}
		return writeJSON(out, n)

	case "notes":
		set := fs.String("set", "", "replace the hearing notes with this text")
		file := fs.String("file", "", "replace the hearing notes with the file contents")
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		content := *set
		if *file != "" {
			data, err := os.ReadFile(*file)
			if err != nil {
				return err
			}
			content = string(data)
		}
		if content != "" {
			notes, err := a.sessions.SaveHearingNotes(ctx, *sessionID, content)
			if err != nil {
				return err
			}
			return writeJSON(out, notes)
		}
		notes, err := a.sessions.GetHearingNotes(ctx, *sessionID)
		if err != nil {
			return err
		}
		return writeJSON(out, notes)

	case "schemas":
		file := fs.String("file", "", "yaml or json schema document to store")
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		if *file != "" {
			var schemas tasks.Schemas
			if err := readDocument(*file, &schemas); err != nil {
				return err
			}
			saved, err := a.sessions.SaveSchemas(ctx, *sessionID, &schemas)
			if err != nil {
				return err
			}
			return writeJSON(out, saved)
		}
		schemas, err := a.sessions.GetSchemas(ctx, *sessionID)
		if err != nil {
			return err
		}
		return writeJSON(out, schemas)

	case "delete":
		if err := parseWithSession(fs, args, sessionID); err != nil {
			return err
		}
		if err := a.engine.DeleteSession(ctx, *sessionID); err != nil {
			return err
		}
		return writeJSON(out, map[string]interface{}{"session_id": *sessionID, "deleted": true})

	case "agents":
		if err := fs.Parse(args); err != nil {
			return err
		}
		return writeJSON(out, a.registry.AgentTypes())

	case "health":
		if err := fs.Parse(args); err != nil {
			return err
		}
		report := a.health.Check(ctx)
		if err := writeJSON(out, report); err != nil {
			return err
		}
		if !report.Ready {
			return errors.New(report.Message)
		}
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseWithSession(fs *flag.FlagSet, args []string, sessionID *string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("%s: -session is required", fs.Name())
	}
	return session.ValidateID(*sessionID)
}

// readDocument decodes a yaml or json file into out. JSON is valid YAML, so
// one decoder serves both.
func readDocument(path string, out interface{}) error {
	if path == "" {
		return errors.New("-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, out)
	default:
		return yaml.Unmarshal(data, out)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
