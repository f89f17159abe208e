package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kabletv/phantom/internal/app"
	"github.com/kabletv/phantom/internal/config"
	"github.com/kabletv/phantom/internal/ipc"
	"github.com/kabletv/phantom/internal/obs"
)

type cliFlags struct {
	repo       string
	socket     string
	configPath string
}

func parseFlags() cliFlags {
	var f cliFlags

	flag.StringVar(&f.repo, "repo", "", "path to the git repository to serve (required)")
	flag.StringVar(&f.socket, "socket", "", "IPC socket path (default: the config's socket_path, else phantom.sock beside the config file)")
	flag.StringVar(&f.configPath, "config", "", "config file path (default <repo>/.phantom/config.yaml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: phantom --repo <path> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Phantom serves terminal sessions and AI-driven codebase analyses\n")
		fmt.Fprintf(os.Stderr, "to a UI over a unix socket.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if f.repo == "" {
		fmt.Fprintln(os.Stderr, "error: --repo is required")
		flag.Usage()
		os.Exit(1)
	}
	return f
}

func main() {
	if err := run(parseFlags()); err != nil {
		log.Fatalf("phantom: %v", err)
	}
}

func run(f cliFlags) error {
	repoPath, err := filepath.Abs(f.repo)
	if err != nil {
		return err
	}
	dataDir := filepath.Join(repoPath, ".phantom")

	configPath := f.configPath
	if configPath == "" {
		configPath = config.DefaultPath(dataDir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	shutdownTraces, err := obs.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("trace setup: %w", err)
	}
	defer func() {
		if err := shutdownTraces(ctx); err != nil {
			log.Printf("trace shutdown: %v", err)
		}
	}()

	a, err := app.New(app.Config{
		RepoPath:      repoPath,
		DefaultBranch: cfg.DefaultBranch,
		DataDir:       dataDir,
		DefaultShell:  cfg.Shell,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	socketPath := f.socket
	if socketPath == "" {
		socketPath = cfg.SocketPath
	}
	server, err := ipc.Serve(a, socketPath)
	if err != nil {
		return err
	}
	defer server.Close()

	if err := a.StartScheduler(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	log.Printf("phantom: serving %s on %s", repoPath, socketPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("phantom: shutting down")
	return nil
}
