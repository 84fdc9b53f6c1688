package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"livesub/internal/logging"
)

func main() {
	cmd := newRootCommand()
	err := cmd.Execute()
	_ = logging.Sync()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
