package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"agent-relay/internal/driver"
	"agent-relay/internal/gateway"
	"agent-relay/internal/session"
	"agent-relay/internal/transcribe"
	"agent-relay/internal/watcher"

	"github.com/spf13/pflag"
)

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		port          = pflag.Int("port", 8420, "HTTP listen port")
		password      = pflag.String("password", envDefault("RELAY_PASSWORD", ""), "shared secret gating the channel")
		stateFile     = pflag.String("state-file", envDefault("RELAY_STATE_FILE", "sessions.json"), "session snapshot file")
		workspaceDir  = pflag.String("workspace-dir", envDefault("RELAY_WORKSPACE_DIR", "./workspace"), "upload/output directory")
		agentsDir     = pflag.String("agents-dir", envDefault("RELAY_AGENTS_DIR", "./agents"), "agent definition directory")
		staticDir     = pflag.String("static-dir", envDefault("RELAY_STATIC_DIR", ""), "static frontend directory")
		command       = pflag.String("command", envDefault("RELAY_COMMAND", "claude"), "child process executable")
		transcribeURL = pflag.String("transcribe-url", envDefault("RELAY_TRANSCRIBE_URL", ""), "speech-to-text endpoint")
		transcribeKey = pflag.String("transcribe-key", envDefault("RELAY_TRANSCRIBE_KEY", ""), "speech-to-text API key")
	)
	pflag.Parse()

	if *password == "" {
		log.Fatal("a channel password is required (--password or RELAY_PASSWORD)")
	}

	if err := os.MkdirAll(*workspaceDir, 0o755); err != nil {
		log.Fatalf("create workspace dir: %v", err)
	}

	store := session.NewStore(*stateFile)
	if err := store.Load(); err != nil {
		log.Printf("restore sessions: %v (starting empty)", err)
	}

	relay := session.NewRelay(store)
	drv := driver.New(driver.Config{
		Command:      *command,
		WorkspaceDir: *workspaceDir,
		AgentsDir:    *agentsDir,
	}, store, relay)

	trans := transcribe.New(*transcribeURL, *transcribeKey)

	srv := gateway.New(gateway.Config{
		Password:     *password,
		StaticDir:    *staticDir,
		WorkspaceDir: *workspaceDir,
	}, store, relay, drv, trans)

	fileWatch := watcher.New(*workspaceDir, srv.OnFilesUpdate)
	if err := fileWatch.Start(); err != nil {
		log.Printf("workspace watcher unavailable: %v", err)
	}

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")
		fileWatch.Shutdown()
		drv.Shutdown()
		store.Save()
		httpServer.Close()
	}()

	log.Printf("relay server listening on %s (%d sessions restored)", addr, len(store.List()))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
