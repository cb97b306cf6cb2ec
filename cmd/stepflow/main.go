package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

// dispatch runs one sub-command and returns the process exit code.
func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runRun(rest, stdout, stderr)
	case "validate":
		return runValidate(rest, stdout, stderr)
	case "serve":
		return runServe(rest, stderr)
	case "history":
		return runHistory(rest, stdout, stderr)
	case "version", "-v", "--version":
		printVersion()
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: stepflow <command> [flags]

Commands:
  run <flow-file>        execute a flow and print the final handle
  validate <flow-file>…  check definitions without running them
  serve                  serve the MCP tools over stdio
  history                list persisted executions (requires db_path)
  version                print the version

Configuration: ~/.stepflow/settings.json, overridden by STEPFLOW_* env vars.
`)
}
