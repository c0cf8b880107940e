package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// startProfiling starts CPU profiling and execution tracing for the paths that
// are non-empty. The returned function stops them, and writes a heap profile
// if mempath is set.
func startProfiling(cpupath, mempath, tracepath string) (stop func()) {
	var closers []func()

	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "create trace file")
		err = trace.Start(f)
		xcheckf(err, "start trace")
		closers = append(closers, func() {
			trace.Stop()
			err := f.Close()
			xcheckf(err, "close trace file")
		})
	}

	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "start cpu profile")
		closers = append(closers, func() {
			pprof.StopCPUProfile()
			if err := f.Close(); err != nil {
				log.Printf("closing cpu profile: %v", err)
			}
		})
	}

	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		if mempath != "" {
			writeHeapProfile(mempath)
		}
	}
}

func writeHeapProfile(path string) {
	f, err := os.Create(path)
	xcheckf(err, "creating memory profile")
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("closing memory profile: %v", err)
		}
	}()
	runtime.GC() // For up-to-date statistics.
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
}
