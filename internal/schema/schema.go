// Package schema describes the command tree in machine-readable form so
// agents can discover flags and failure types without parsing help text.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type Document struct {
	Command CommandSchema `json:"command"`
	Errors  []ErrorSchema `json:"errors,omitempty"`
}

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Signs       bool            `json:"signs,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// ErrorSchema is one entry of the error envelope catalog.
type ErrorSchema struct {
	ExitCode int    `json:"exit_code"`
	Type     string `json:"type"`
}

// Build describes the command at commandPath (root when empty). signs marks
// commands that request signatures.
func Build(root *cobra.Command, commandPath string, signs func(path string) bool, errs []ErrorSchema) (Document, error) {
	cmd, _, err := root.Find(strings.Fields(commandPath))
	if err != nil || (strings.TrimSpace(commandPath) != "" && cmd == root) {
		return Document{}, fmt.Errorf("command not found: %s", commandPath)
	}
	sorted := append([]ErrorSchema(nil), errs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExitCode < sorted[j].ExitCode })
	return Document{Command: describe(cmd, signs), Errors: sorted}, nil
}

func describe(cmd *cobra.Command, signs func(string) bool) CommandSchema {
	path := strings.TrimSpace(cmd.CommandPath())
	s := CommandSchema{
		Path:  path,
		Use:   cmd.Use,
		Short: cmd.Short,
		Flags: flags(cmd),
	}
	if signs != nil {
		s.Signs = signs(strings.TrimPrefix(path, cmd.Root().Name()+" "))
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, describe(sub, signs))
	}
	return s
}

func flags(cmd *cobra.Command) []FlagSchema {
	var items []FlagSchema
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
		})
	})
	return items
}
