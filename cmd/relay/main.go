// Package main provides the CLI entry point for the Relay agent runtime.
//
// Relay brokers conversations between a user-facing IDE and a pool of
// large language models: it routes each message through a set of
// specialised agents with strict tool permissions, drives the LLM
// tool-call loop, gates side-effecting tools behind human approval, and
// persists full conversation state.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Apply the database schema:
//
//	relay migrate
//
// Inspect recent sessions:
//
//	relay sessions list
//
// # Environment Variables
//
//   - RELAY_CONFIG: Path to configuration file (default: relay.yaml)
//   - RELAY_LLM_API_KEY: API key for the LLM proxy, referenced as
//     ${RELAY_LLM_API_KEY} from the config file
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
