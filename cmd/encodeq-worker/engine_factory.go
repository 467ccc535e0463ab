package main

import (
	"encodeq/internal/engine"
	"encodeq/internal/protocol"
	"encodeq/internal/workerd"
)

// engineFactory defers engine construction until SetUp supplies the temp
// directory and title filter.
func engineFactory(flags workerFlags) workerd.EngineFactory {
	return func(setup protocol.SetUpRequest) (engine.Engine, error) {
		return engine.New(flags.engine, engine.Options{
			Binary:           flags.engineBinary,
			ProbeBinary:      flags.probeBinary,
			TempDir:          setup.TempDir,
			MinTitleDuration: float64(setup.MinTitleDurationSeconds),
		})
	}
}
