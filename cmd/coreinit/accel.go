package main

import (
	"github.com/AmbiML/sparrowos-core/pkg/mlcoord"
	"github.com/AmbiML/sparrowos-core/pkg/mlimage"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
	"github.com/opencontainers/go-digest"
)

// noopAccelerator, noopMLAccelerator, noopNotifier, and noopResolver are
// placeholder collaborators until coreinit is wired to a real TCM/WMMU
// driver and SDK name registry; they let the boot sequence stand up end
// to end in the simulated environment the same way simkernel stands in
// for real seL4 syscalls.
type noopAccelerator struct{}

func (noopAccelerator) ProgramWindow(mlimage.WMMUWindow) error     { return nil }
func (noopAccelerator) ZeroRange(uint64, uint64) error             { return nil }
func (noopAccelerator) CopyWithinTCM(uint64, uint64, uint64) error { return nil }

type noopMLAccelerator struct{}

func (noopMLAccelerator) WriteBytes(uint64, []byte) error { return nil }
func (noopMLAccelerator) Start() error                    { return nil }
func (noopMLAccelerator) ReadOutputHeader(uint64) (mlcoord.OutputHeader, error) {
	return mlcoord.OutputHeader{}, nil
}
func (noopMLAccelerator) ReadOutputData(uint64, uint64) ([]byte, error) { return nil, nil }

type noopNotifier struct{}

func (noopNotifier) Notify(sel4.Badge) error { return nil }

type noopResolver struct{}

func (noopResolver) Resolve(name string) (digest.Digest, error) {
	return digest.FromString(name), nil
}
