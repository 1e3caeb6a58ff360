//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the demo scene. ANIMA_CONFIG selects the configuration file.
func (Run) Demo() error {
	mg.Deps(Build.Demo)
	fmt.Println("Run demo...")
	args := []string{}
	if cfg := os.Getenv("ANIMA_CONFIG"); cfg != "" {
		args = append(args, "-config", cfg)
	}
	if err := executeCmd("./bin/anima-rt", withArgs(args...), withStream()); err != nil {
		return err
	}
	return nil
}
