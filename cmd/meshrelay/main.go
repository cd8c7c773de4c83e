// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/signalmesh/meshrelay/internal/config"
	"github.com/signalmesh/meshrelay/internal/engine"
	"github.com/signalmesh/meshrelay/internal/eventbus"
	"github.com/signalmesh/meshrelay/internal/libp2pradio"
	"github.com/signalmesh/meshrelay/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	dataDir  = flag.String("data", ".", "Directory holding the node's config and identity key")
	port     = flag.String("port", "", "Override the configured listen port")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("meshrelay v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	runNode(*dataDir)
}

func runNode(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0700); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "meshrelay.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config: %s", cfgPath)
	}
	cfg.Identity.KeyFile = util.ResolvePath(absDir, cfg.Identity.KeyFile)

	listenPort := cfg.Node.ListenPort
	if *port != "" {
		fmt.Sscanf(*port, "%d", &listenPort)
	}

	printBanner(absDir, cfgPath, cfg)

	adapter, err := libp2pradio.New(listenPort, cfg.Identity.KeyFile)
	if err != nil {
		log.Fatalf("start transport: %v", err)
	}
	fmt.Printf("peer id: %s\n", adapter.ID())

	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe()

	eng := engine.New(cfg.EngineConfig(), adapter, bus)
	eng.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	go printEvents(sub)
	go readStdinCommands(ctx, cancel, eng, adapter)

	<-ctx.Done()
	if err := eng.Shutdown(); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
	if err := adapter.Close(); err != nil {
		log.Printf("transport close: %v", err)
	}
}

func printEvents(sub chan eventbus.Event) {
	for evt := range sub {
		switch e := evt.(type) {
		case eventbus.Status:
			fmt.Printf("[status] %s\n", e.Message)
		case eventbus.AlertReceived:
			fmt.Printf("[alert] %s (ttl=%d)\n", e.Text, e.TTL)
		}
	}
}

// readStdinCommands implements a line-oriented console: "send <text>"
// originates an alert, "diag" prints recent transport diagnostics,
// "quit" requests shutdown.
func readStdinCommands(ctx context.Context, cancel context.CancelFunc, eng *engine.Engine, adapter *libp2pradio.Adapter) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "quit" || line == "exit":
			cancel()
			return
		case line == "diag":
			for _, entry := range adapter.DiagSnapshot() {
				fmt.Println(entry)
			}
		case strings.HasPrefix(line, "send "):
			text := strings.TrimPrefix(line, "send ")
			if err := eng.SendAlert(text); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		default:
			fmt.Println("commands: send <text> | diag | quit")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func showUsage() {
	fmt.Println("meshrelay - offline peer-to-peer emergency alert relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  meshrelay -data <directory> [-port N]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -data     Directory holding meshrelay.json and the identity key (default \".\")")
	fmt.Println("  -port     Override the configured listen port")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Once running, type \"send <text>\" at the console to originate an alert.")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("============================================================")
	fmt.Println("                   meshrelay node")
	fmt.Println("============================================================")
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Printf("Config file:    %s\n", cfgPath)
	fmt.Printf("Service ID:     %s\n", cfg.Node.ServiceID)
	fmt.Printf("Local name:     %s\n", cfg.Node.LocalName)
	fmt.Println()
}
