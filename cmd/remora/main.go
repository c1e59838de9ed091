package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/HyphaGroup/remora/internal/device"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/executor/remote/socket"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/stream"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServer(os.Args[2:])
			return
		case "socket":
			cmdSocket(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("remora %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run server
	runServer(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`Remora %s - remote execution of methods on stateful objects

Usage: remora [command] [options]

Commands:
  (default)    Start the HTTP, websocket, socket and MCP server
  serve        Same as the default
  socket       Serve the socket protocol only (used by subprocess executors)

Server Options:
  --config DIR   Directory holding remora.jsonc or remora.toml
  --version      Print version and exit

Socket Options:
  --host HOST    Interface to listen on (default: 127.0.0.1)
  --port PORT    Port to listen on (required)

Examples:
  remora                                # Start with ./config/remora.jsonc
  remora --config /etc/remora           # Start with a config directory
  remora socket --host 127.0.0.1 --port 9100
`, Version)
}

// newCatalog returns the classes this binary can instantiate.
func newCatalog() *registry.Catalog {
	catalog := registry.NewCatalog()
	if err := device.Register(catalog); err != nil {
		log.Fatalf("Failed to register device classes: %v", err)
	}
	return catalog
}

// cmdSocket serves a single socket server until a peer sends the eof
// handshake or the process is signalled.
func cmdSocket(args []string) {
	fs := flag.NewFlagSet("socket", flag.ExitOnError)
	host := fs.String("host", "127.0.0.1", "Interface to listen on")
	port := fs.String("port", "", "Port to listen on")
	jsonLogs := fs.Bool("json", false, "Log as JSON")
	_ = fs.Parse(args)

	if *port == "" {
		fmt.Fprintln(os.Stderr, "Usage: remora socket --host HOST --port PORT")
		os.Exit(1)
	}

	if err := logger.InitSlog("", *jsonLogs); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := socket.NewServer(remote.NewServer(registry.New(newCatalog()), stream.NewHub(0)))
	if err := srv.ListenAndServe(ctx, net.JoinHostPort(*host, *port)); err != nil {
		log.Fatalf("Socket server error: %v", err)
	}
}
