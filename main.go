package main

import (
	"fmt"
	"os"
	"strings"

	"dishpatch/cmd/statuswatcher"
	"dishpatch/cmd/syncagent"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var mode string
	var serviceArgs []string

	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		if strings.HasPrefix(arg, "--mode=") {
			mode = strings.TrimPrefix(arg, "--mode=")
		} else if arg == "--mode" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
			i++ // skip the next argument
		} else {
			serviceArgs = append(serviceArgs, arg)
		}
	}

	if mode == "" {
		printUsage()
		os.Exit(1)
	}

	os.Args = append([]string{os.Args[0]}, serviceArgs...)

	switch mode {
	case "sync-agent":
		syncagent.Main()
	case "status-watcher":
		statuswatcher.Main()
	default:
		fmt.Printf("Invalid mode: %s\n", mode)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: dishpatch --mode=<service-mode> [service-specific-flags]")
	fmt.Println("Available modes:")
	fmt.Println("  sync-agent --config-path=config.yaml --port=3003")
	fmt.Println("  status-watcher --config-path=config.yaml --scopes=<order-or-user-id>[,...]")
}
