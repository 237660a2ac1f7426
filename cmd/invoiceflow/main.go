package main

import (
	"fmt"
	"os"
)

const usage = `usage: invoiceflow <command> [flags]

commands:
  serve     run the server (default)
  install   write settings.json and fetch diagram tooling
  version   print the version
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "install":
		runInstall(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
