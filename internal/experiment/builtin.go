package experiment

import (
	"fmt"

	"benchrun/internal/pipeline"
)

// Raw compiles every project with -O3 and measures its run commands. It is the
// baseline the other experiments are compared against.
func Raw() Definition {
	return Definition{
		Name:        "raw",
		Description: "Compile with -O3 and time every run command.",
		CFlags:      []string{"-O3", "-fno-omit-frame-pointer"},
		Steps: func(sc StepContext) []pipeline.Action {
			p := sc.Project
			return []pipeline.Action{
				pipeline.MakeBuildDir(p),
				pipeline.Echo("Compiling... "+p.Name(), sc.Log),
				pipeline.Prepare(p),
				pipeline.Download(p),
				pipeline.Configure(p),
				pipeline.Build(p),
				pipeline.Echo("Running... "+p.Name(), sc.Log),
				pipeline.Run(p, sc.Runner(sc.Jobs)),
				pipeline.Clean(p),
			}
		},
	}
}

// Polly compiles with Polly loaded and repeats the full cycle once per core
// count from 1 up to the configured job count.
func Polly() Definition {
	return Definition{
		Name:        "polly",
		Description: "Compile with Polly and time every run command for 1..jobs cores, one run group per core count.",
		CFlags:      []string{"-O3", "-Xclang", "-load", "-Xclang", "LLVMPolyJIT.so", "-mllvm", "-polly"},
		Steps: func(sc StepContext) []pipeline.Action {
			p := sc.Project
			var actions []pipeline.Action
			for cores := 1; cores <= max(sc.Jobs, 1); cores++ {
				if cores > 1 {
					actions = append(actions, sc.Regroup)
				}
				actions = append(actions,
					pipeline.Echo(fmt.Sprintf("time: %d cores for %s", cores, p.Name()), sc.Log),
					pipeline.Clean(p),
					pipeline.MakeBuildDir(p),
					pipeline.Prepare(p),
					pipeline.Download(p),
					pipeline.Configure(p),
					pipeline.Build(p),
					pipeline.Run(p, sc.Runner(cores)),
				)
			}
			return append(actions, pipeline.Clean(p))
		},
	}
}

// Empty builds projects without running them.
func Empty() Definition {
	return Definition{
		Name:        "empty",
		Description: "Build every project, run nothing.",
		Steps: func(sc StepContext) []pipeline.Action {
			p := sc.Project
			return []pipeline.Action{
				pipeline.MakeBuildDir(p),
				pipeline.Prepare(p),
				pipeline.Download(p),
				pipeline.Configure(p),
				pipeline.Build(p),
				pipeline.Clean(p),
			}
		},
	}
}
