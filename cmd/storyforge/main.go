package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/storyforge/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var rejected *cli.RejectedError
		if errors.As(err, &rejected) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
