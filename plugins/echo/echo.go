// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

// Package echo is a small reference plugin: it answers "say" events by
// re-emitting the message on an "echo" event, prefixed per configuration.
package echo

import (
	"github.com/loomkit/loom"
	"github.com/loomkit/loom/schema"
)

// Config controls the echo prefix.
type Config struct {
	Prefix string `json:"prefix,omitempty"`
}

// Plugin is the installable reference. Register it in a group catalog or
// install it directly with Context.Plugin.
var Plugin = loom.Describe(loom.Func(apply), loom.Spec{
	Name:      "echo",
	Reusable:  true,
	Version:   "1.0.0",
	Transform: schema.ForStruct[Config](),
})

func apply(ctx *loom.Context, config any) error {
	cfg, _ := config.(*Config)
	prefix := "echo: "
	if cfg != nil && cfg.Prefix != "" {
		prefix = cfg.Prefix
	}

	ctx.On("say", func(session any, args ...any) any {
		if len(args) == 0 {
			return nil
		}
		msg, ok := args[0].(string)
		if !ok {
			return nil
		}
		ctx.Emit(session, "echo", prefix+msg)
		return nil
	})
	return nil
}
