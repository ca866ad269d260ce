//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Compiles the culling compute shader to SPIR-V for the Vulkan backend.
func (Build) Shaders() error {
	if _, err := executeCmd("glslc", withArgs("shaders/cull.comp", "-o", "shaders/cull.spv"), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs go vet across the module.
func (Build) Lint() error {
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}

// Runs the test suite with the race detector.
func (Build) Test() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}
