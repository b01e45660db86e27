// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package main

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loomkit/loom/group"
)

// NewRootCmd creates the root command for the loom CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - a lifecycle kernel for composable plugins",
		Long: `Loom manages dependency-driven plugin lifecycles. This CLI works with
group descriptor files: ordered plugin configurations a loader feeds
into a running kernel.`,
	}

	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <descriptor.yaml>",
		Short: "Validate a group descriptor file",
		Long: `Validate a group descriptor file against the JSON Schema and the
semantic entry constraints, then list its entries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDescriptor(args[0], cmd.Flags())
			if err != nil {
				return err
			}
			if strict {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read descriptor %s: %w", args[0], err)
				}
				if err := group.ValidateSchema(data); err != nil {
					return err
				}
			}
			printEntries(cmd, cfg.Plugins, 0)
			cmd.Printf("%s: %d root entries OK\n", args[0], len(cfg.Plugins))
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", true, "also validate against the JSON Schema")
	return cmd
}

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the group descriptor JSON Schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := group.GenerateSchema()
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

// loadDescriptor reads a descriptor through koanf, layering command-line
// flags over the file so flags can override descriptor keys.
func loadDescriptor(path string, flags *pflag.FlagSet) (*group.Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load descriptor %s: %w", path, err)
	}
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("apply flags: %w", err)
	}

	var cfg group.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
	}
	for _, e := range cfg.Plugins {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func printEntries(cmd *cobra.Command, entries []*group.Entry, depth int) {
	for _, e := range entries {
		state := "enabled"
		if e.Disabled {
			state = "disabled"
		}
		cmd.Printf("%*s- %s [%s]\n", depth*2, "", e.Name, state)
		printEntries(cmd, e.Group, depth+1)
	}
}
