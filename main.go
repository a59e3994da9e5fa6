// The main package for the replay-harvester executable.
package main

import (
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/JakeFAU/replay-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	_, _ = maxprocs.Set()
	cmd.Execute()
}
