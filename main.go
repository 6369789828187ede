// main.go
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

	"github.com/chimelab/chime/internal/app"
	"github.com/chimelab/chime/internal/config"
	"github.com/chimelab/chime/internal/relay"
)

var (
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
	video      = flag.Bool("video", false, "Place a video call (call command)")
	autoAccept = flag.Bool("auto-accept", false, "Answer every incoming call (agent command)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Chime v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "agent":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: agent command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: chime agent <data-directory>")
			os.Exit(1)
		}
		runAgent(args[1], "")

	case "call":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: call command requires directory path and user id")
			fmt.Fprintln(os.Stderr, "Usage: chime call <data-directory> <user-id>")
			os.Exit(1)
		}
		runAgent(args[1], args[2])

	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: history command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: chime history <data-directory>")
			os.Exit(1)
		}
		runHistory(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires listen address")
			fmt.Fprintln(os.Stderr, "Usage: chime relay <listen-addr>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runAgent(dataDirArg, callTarget string) {
	absDir, cfgPath, cfg := mustLoad(dataDirArg)

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	err := app.Run(ctx, app.Options{
		DataDir:    absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
		CallTarget: callTarget,
		Video:      *video,
		AutoAccept: *autoAccept,
	})
	if err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func runRelay(addr string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	srv := relay.New(addr)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
	fmt.Printf("Signaling relay running at %s (Press Ctrl+C to stop)\n", srv.URL())

	<-sigCh
	log.Println("\nShutting down gracefully...")
	cancel()
}

func runHistory(dataDirArg string) {
	absDir, _, cfg := mustLoad(dataDirArg)
	if err := app.PrintHistory(absDir, cfg, 20); err != nil {
		log.Fatalf("History failed: %v", err)
	}
}

func mustLoad(dataDirArg string) (absDir, cfgPath string, cfg config.Config) {
	absDir, err := filepath.Abs(dataDirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Data directory does not exist: %s", absDir)
	}

	cfgPath = filepath.Join(absDir, "chime.json")
	cfg, err = config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return absDir, cfgPath, cfg
}

func showUsage() {
	fmt.Println("Chime - peer-to-peer calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chime agent <directory>            Run the call agent")
	fmt.Println("  chime call <directory> <user-id>   Place a call and wait for it to end")
	fmt.Println("  chime history <directory>          Show recent calls")
	fmt.Println("  chime relay <listen-addr>          Run a websocket signaling relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  agent <directory>")
	fmt.Println("        Listen for incoming calls from the specified data directory")
	fmt.Println("        The directory must contain a chime.json configuration file")
	fmt.Println()
	fmt.Println("  call <directory> <user-id>")
	fmt.Println("        Dial the given user; pass -video for a video call")
	fmt.Println()
	fmt.Println("  history <directory>")
	fmt.Println("        Print the most recent call records")
	fmt.Println()
	fmt.Println("  relay <listen-addr>")
	fmt.Println("        Serve topic fan-out for agents using the ws relay backend")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h            Show this help message")
	fmt.Println("  -version      Show version information")
	fmt.Println("  -video        Place a video call instead of audio-only")
	fmt.Println("  -auto-accept  Answer every incoming call automatically")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run an agent that rings on incoming calls")
	fmt.Println("  chime agent ./peers/alice")
	fmt.Println()
	fmt.Println("  # Video-call bob")
	fmt.Println("  chime -video call ./peers/alice bob")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      Chime Agent                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("User:           %s", cfg.Identity.UserID)
	if cfg.Identity.Label != "" {
		fmt.Printf(" (%s)", cfg.Identity.Label)
	}
	fmt.Println()
	fmt.Printf("Relay:          %s\n", cfg.Relay.Backend)
	fmt.Println()
	fmt.Println("Starting agent... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
