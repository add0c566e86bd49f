// Package main is the Trinity control plane binary. One process hosts the
// HTTP gateway, the lifecycle manager, the execution queues, the scheduler,
// and the process engine over shared storage and one event bus.
package main

import (
	"fmt"
	"os"
)

const usageText = `Usage: trinity <command> [arguments]

Commands:
  start              run the control plane
  stop               stop a running control plane
  build-base-image   build the agent base container image
  backup <file>      archive the database and master key into a tar file
  restore <file>     restore a backup archive (control plane must be stopped)
`

// Exit codes: 0 success, 1 usage error, 2 runtime failure.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart()
	case "stop":
		err = runStop()
	case "build-base-image":
		err = runBuildBaseImage(os.Args[2:])
	case "backup":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "backup needs a target file")
			os.Exit(1)
		}
		err = runBackup(os.Args[2])
	case "restore":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "restore needs a source file")
			os.Exit(1)
		}
		err = runRestore(os.Args[2])
	case "help", "-h", "--help":
		fmt.Print(usageText)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "trinity %s: %v\n", os.Args[1], err)
		os.Exit(2)
	}
}
