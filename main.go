package main

import (
	"fmt"
	"os"

	"k8s-netremedy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(cmd.ExitCode(err))
	}
}
