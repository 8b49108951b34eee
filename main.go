// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command interceptor classifies connections handed over by the packet
// filter, escalates undecided ones to a user-mode policy process and applies
// its verdicts.
package main

import (
	"context"
	"fmt"
	"os"

	"grimm.is/interceptor/cmd"
)

func main() {
	if err := cmd.Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "interceptor: %v\n", err)
		os.Exit(1)
	}
}
