//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Builds the demo binary into bin/anima-rt.
func (Build) Demo() error {
	if err := executeCmd("go", withArgs("build", "-o", "bin/anima-rt", "."), withStream()); err != nil {
		return err
	}
	return nil
}
