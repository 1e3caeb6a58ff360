//go:build !rhidebug

package core

const assertPanics = false
