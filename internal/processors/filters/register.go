package filters

import (
	"github.com/framesmith/framesmith-agent/internal/processors"
	"github.com/framesmith/framesmith-agent/internal/state"
)

// Register adds the built-in processors to reg, registers their kernels
// with the pool manager and seeds their options from defaults.
func Register(reg *processors.Registry, deps *processors.Deps, defaults state.Args) error {
	RegisterKernels(deps.Pools)
	for _, p := range []processors.Processor{NewFaceBlur(deps), NewFrameSharpener(deps)} {
		if err := p.RegisterArgs(deps.Store, defaults); err != nil {
			return err
		}
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
