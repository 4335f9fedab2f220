package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/nimbleworks/relay-agent/internal/config"
	"github.com/nimbleworks/relay-agent/internal/llm"
	"github.com/nimbleworks/relay-agent/internal/logging"
	"github.com/nimbleworks/relay-agent/internal/session"
	"github.com/nimbleworks/relay-agent/internal/subagent"
	"github.com/nimbleworks/relay-agent/internal/sysinfo"
	"github.com/nimbleworks/relay-agent/internal/tools"
	"github.com/nimbleworks/relay-agent/internal/transcript"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "tasks":
		tasksCmd(os.Args[2:])
	case "version":
		fmt.Printf("relay-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `relay-agent

Usage:
  relay-agent init [flags]
  relay-agent run [flags]
  relay-agent tasks [flags]
  relay-agent version

Commands:
  init        Write a default config file.
  run         Start the interactive assistant using the local config file.
  tasks       Print past sessions, or one session's transcript.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	provider := fs.String("provider", "anthropic", "Model provider: anthropic|openai")
	model := fs.String("model", "", "Model name (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*model) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{Provider: *provider, Model: *model}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func tasksCmd(args []string) {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	sessionID := fs.String("session", "", "Session id; empty lists sessions")
	limit := fs.Int("limit", 50, "Maximum rows to print")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	store, err := transcript.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcript open failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if strings.TrimSpace(*sessionID) == "" {
		sessions, err := store.ListSessions(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list sessions failed: %v\n", err)
			os.Exit(1)
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return
		}
		for _, sess := range sessions {
			fmt.Printf("%s  updated %s\n", sess.ID, time.UnixMilli(sess.UpdatedAt).Format(time.RFC3339))
		}
		return
	}

	msgs, err := store.ListMessages(ctx, *sessionID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list messages failed: %v\n", err)
		os.Exit(1)
	}
	for _, m := range msgs {
		line := m.Text
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		fmt.Printf("%-12s  %s\n", m.Kind, line)
	}
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	sessionID := fs.String("session", "", "Session id to resume or create (default: new)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	provider, err := llm.NewProvider(llm.Options{Provider: cfg.Provider, BaseURL: cfg.BaseURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider setup failed: %v\n", err)
		os.Exit(1)
	}

	base := tools.NewRegistry()
	if err := tools.RegisterFileTools(base, cfg.RootDir); err != nil {
		fmt.Fprintf(os.Stderr, "tool setup failed: %v\n", err)
		os.Exit(1)
	}
	if err := tools.RegisterExecTool(base, cfg.RootDir); err != nil {
		fmt.Fprintf(os.Stderr, "tool setup failed: %v\n", err)
		os.Exit(1)
	}

	presets, err := subagent.LoadPresets(cfg.PresetsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preset load failed: %v\n", err)
		os.Exit(1)
	}

	mgr, err := subagent.NewManager(subagent.Options{
		Logger:      logger,
		Provider:    provider,
		BaseTools:   base,
		Model:       cfg.Model,
		MaxParallel: cfg.MaxParallelTasks,
		MaxSteps:    cfg.TaskMaxSteps,
		Timeout:     time.Duration(cfg.TaskTimeoutSec) * time.Second,
		Presets:     presets,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "manager setup failed: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.RegisterTaskTools(base); err != nil {
		fmt.Fprintf(os.Stderr, "tool setup failed: %v\n", err)
		os.Exit(1)
	}

	store, err := transcript.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcript setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	sess, err := session.New(session.Options{
		Logger:    logger,
		Manager:   mgr,
		Store:     store,
		SessionID: *sessionID,
		Provider:  provider,
		Model:     cfg.Model,
		Tools:     base,
		SystemPrompt: "You are a coding assistant with background task support. " +
			"Use task.spawn for work that should run while the conversation continues.",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "session setup failed: %v\n", err)
		os.Exit(1)
	}
	sess.StartListener()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("relay-agent started",
		"version", Version, "session", sess.ID(),
		"provider", cfg.Provider, "model", cfg.Model)

	interactiveLoop(ctx, sess)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func interactiveLoop(ctx context.Context, sess *session.Session) {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("relay-agent ready. /help for commands, /quit to exit.")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		if interactive {
			fmt.Print("> ")
		}
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := slashCommand(sess, line); quit {
				return
			}
			continue
		}

		// Surface anything that finished while the user was typing.
		for _, ann := range sess.DrainAnnouncements() {
			fmt.Println(ann.Text)
		}
		reply, err := sess.HandleUserMessage(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}

func taskElapsed(snap subagent.Snapshot) string {
	if snap.StartedAt == 0 {
		return "-"
	}
	end := snap.EndedAt
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	return (time.Duration(end-snap.StartedAt) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func slashCommand(sess *session.Session, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println("/tasks            list background tasks")
		fmt.Println("/task <id>        show one task")
		fmt.Println("/cancel <id>      cancel a task")
		fmt.Println("/drain            print pending announcements")
		fmt.Println("/prune            drop finished, announced tasks")
		fmt.Println("/stats            process resource usage")
		fmt.Println("/quit             exit")
	case "/tasks":
		tasks := sess.Manager().List()
		if len(tasks) == 0 {
			fmt.Println("no tasks")
			return false
		}
		for _, snap := range tasks {
			label := snap.Label
			if label == "" {
				label = "-"
			}
			elapsed := taskElapsed(snap)
			fmt.Printf("%s  %-12s %-9s %-8s %s\n", snap.ID, label, snap.Status, elapsed, snap.Instruction)
		}
	case "/task":
		if len(fields) < 2 {
			fmt.Println("usage: /task <id>")
			return false
		}
		snap, err := sess.Manager().GetStatus(fields[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		b, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(b))
	case "/cancel":
		if len(fields) < 2 {
			fmt.Println("usage: /cancel <id>")
			return false
		}
		if err := sess.Manager().Cancel(fields[1]); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println("cancelled")
	case "/drain":
		anns := sess.DrainAnnouncements()
		if len(anns) == 0 {
			fmt.Println("no pending results")
			return false
		}
		for _, ann := range anns {
			fmt.Println(ann.Text)
		}
	case "/prune":
		fmt.Printf("removed %d tasks\n", sess.PruneFinishedTasks())
	case "/stats":
		snap, err := sysinfo.Collect()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println(snap.String())
	default:
		fmt.Printf("unknown command %s (try /help)\n", fields[0])
	}
	return false
}
