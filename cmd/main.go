package main

import (
	"fmt"
	"os"

	"sleepywoodpecker/rp-goes-sim/internal/cmd"
)

func main() {
	if err := cmd.Execute(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
