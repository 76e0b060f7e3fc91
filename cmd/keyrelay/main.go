package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe()
	case "endpoints":
		cmdEndpoints()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: keyrelay <command>

Commands:
  serve       Run the vault and proxy gateway in the foreground
  endpoints   Show the configured provider endpoints

Configuration is read from KEYRELAY_* environment variables:
  KEYRELAY_ENV              development (default) or production
  KEYRELAY_LISTEN_ADDR      listen address (default 127.0.0.1:8420)
  KEYRELAY_DB_PATH          sqlite database path (default keyrelay.db)
  KEYRELAY_MASTER_KEY       master encryption key (required in production)
  KEYRELAY_ENDPOINTS_FILE   YAML endpoint registry (built-ins when unset)
  KEYRELAY_UPSTREAM_TIMEOUT per-request upstream timeout (default 30s)
  KEYRELAY_MAX_PROXY_BODY   proxied body limit in bytes (default 5242880)
  KEYRELAY_LOG_LEVEL        debug, info, warn, or error (default info)`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
