//go:build mage

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/magefile/mage/mg"
)

type cmdOptions struct {
	args   []string
	stream bool
}

type cmdOption func(*cmdOptions)

func withArgs(args ...string) cmdOption {
	return func(o *cmdOptions) {
		o.args = args
	}
}

// withStream mirrors the command output even when mage is not verbose.
func withStream() cmdOption {
	return func(o *cmdOptions) {
		o.stream = true
	}
}

// executeCmd runs command and prints its captured output only on failure,
// unless the output is streamed.
func executeCmd(command string, options ...cmdOption) error {
	opts := &cmdOptions{}
	for _, o := range options {
		o(opts)
	}

	fmt.Printf("Executing: %s %s\n", command, strings.Join(opts.args, " "))
	cmd := exec.Command(command, opts.args...)

	var captured bytes.Buffer
	if mg.Verbose() || opts.stream {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &captured
		cmd.Stderr = &captured
	}
	if err := cmd.Run(); err != nil {
		if captured.Len() > 0 {
			fmt.Println("... failed command output:")
			_, _ = io.Copy(os.Stdout, &captured)
		}
		return fmt.Errorf("error executing %s: %w", command, err)
	}
	return nil
}
