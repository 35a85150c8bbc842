// Command custody maintains the evidence chain of custody: receipt chains,
// Merkle anchors, sealed epochs and determinism replays.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = PASS (accepted by policy)
//	1 = FAIL, BLOCKED, or a PARTIAL the policy rejects
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "chain":
		return runChainCmd(args[2:], stdout, stderr)
	case "anchor":
		return runAnchorCmd(args[2:], stdout, stderr)
	case "epoch":
		return runEpochCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "digest":
		return runDigestCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "publish":
		return runPublishCmd(args[2:], stdout, stderr)
	case "fetch":
		return runFetchCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: custody <command> [flags]

Commands:
  chain   verify|update        receipt chain over the configured scope
  anchor  verify|update        Merkle anchor over the configured scope
  epoch   verify|update        sealed epoch fingerprint (--epoch <id>)
  replay                       repeat a stage and require identical fingerprints
  digest  <file>...            print raw and normalized digests
  history verify               check the sealed-epoch ledger
  publish --epoch <id>         archive a verified epoch
  fetch   --address <a>        restore a published epoch

Global flags:
  --root, --config, --json, --status-out, --log-level, --log-json
`)
}
