package main

import (
	"fmt"
	"plugin"

	"github.com/cuemby/bunflare/pkg/worker"
)

// pluginLoader loads a worker as a Go plugin: a .so built with
// `go build -buildmode=plugin` from the path named by the configuration's
// "main" field, exporting a `New func() worker.Module` symbol. This is the
// Go-native stand-in for the JavaScript bundler/module loader spec.md
// explicitly places out of scope — Bunflare has no JS runtime, so a
// "worker" here is a compiled Go package implementing worker.Module.
//
// New is re-invoked on every reload so a changed .so (rebuilt by the
// developer's own build step) is picked up without restarting the process.
type pluginLoader struct{}

func newPluginLoader() *pluginLoader {
	return &pluginLoader{}
}

func (l *pluginLoader) Load(mainPath string) (worker.Module, error) {
	p, err := plugin.Open(mainPath)
	if err != nil {
		return nil, fmt.Errorf("loader: open worker plugin %q: %w", mainPath, err)
	}

	sym, err := p.Lookup("New")
	if err != nil {
		return nil, fmt.Errorf("loader: worker plugin %q has no New symbol: %w", mainPath, err)
	}

	factory, ok := sym.(func() worker.Module)
	if !ok {
		return nil, fmt.Errorf("loader: worker plugin %q: New has the wrong signature", mainPath)
	}

	return factory(), nil
}
