// Package builtin wires the adapters shipped with the service into a registry.
package builtin

import (
	"github.com/timmy/vectorinfinity/internal/source"
	"github.com/timmy/vectorinfinity/internal/source/github"
	"github.com/timmy/vectorinfinity/internal/source/jsonl"
	"github.com/timmy/vectorinfinity/internal/source/localdir"
	"github.com/timmy/vectorinfinity/internal/source/whatsapp"
)

// Options carries adapter settings that do not belong to a single account.
type Options struct {
	GitHub github.Options
}

// Registry returns a registry with every built-in adapter.
func Registry(opts Options) *source.Registry {
	r := source.NewRegistry()
	r.Register(localdir.SourceName, func() source.Adapter { return localdir.NewAdapter() })
	r.Register(jsonl.SourceName, func() source.Adapter { return jsonl.NewAdapter() })
	r.Register(github.SourceName, func() source.Adapter { return github.NewAdapter(opts.GitHub) })
	r.Register(whatsapp.SourceName, func() source.Adapter { return whatsapp.NewAdapter() })
	return r
}
