// Package klog is the kernel's structured diagnostic facade.
//
// It exists because the kernel core is embedded by drivers and the console
// stack, none of which share a single stdout the way BiscuitOS's main
// package does; every subsystem gets its own named, leveled logger instead.
package klog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.Mutex
	root *zap.Logger
)

// Init installs the process-wide root logger. Boot calls this once, before
// any subsystem is initialized. Calling it again replaces the root logger,
// which is useful for tests that want to capture output.
func Init(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// Nop installs a no-op root logger. Used by package tests that don't care
// about log output and don't want to pay for a real sink.
func Nop() {
	Init(zap.NewNop())
}

func rootOrDefault() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			l = zap.NewNop()
		}
		root = l
	}
	return root
}

// For returns a sugared logger scoped to the named subsystem, e.g.
// klog.For("sched") or klog.For("devtree").
func For(subsystem string) *zap.SugaredLogger {
	return rootOrDefault().With(zap.String("subsystem", subsystem)).Sugar()
}

// Panic logs an error-level structured record ("kernel panic", with code as
// a field and a stack trace) then panics with code as the value. Callers
// pass the same panic codes spec.md §7 names (e.g. "NO_EXECUTABLE_TASK").
func Panic(subsystem, code string, fields ...zap.Field) {
	l := rootOrDefault().With(zap.String("subsystem", subsystem))
	l.WithOptions(zap.AddStacktrace(zap.ErrorLevel)).Error("kernel panic", append(fields, zap.String("code", code))...)
	panic(code)
}
