// Command loadtest drives a running relay with simulated clients.
//
//   - rooms:    signaling rooms whose peers exchange in-room chat (fan-out latency)
//   - chat:     authenticated chat users trading direct messages
//   - saturate: opens N idle signaling connections and holds them
//
// Usage:
//
//	loadtest <command> [options]
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
	case "rooms":
		runRooms(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  rooms       Signaling rooms with peers broadcasting in-room chat")
	fmt.Println("  chat        Authenticated chat users exchanging direct messages")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
