/*
Copyright 2025 The Photark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// listCmd prints the installed extensions. Run without a daemon the status
// column reflects the tree only: Installed or Paused.
var listCmd = &cobra.Command{
	Use:           "list",
	Short:         "List installed extensions",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.Wrap(runList(cmd), "run `exthost list`")
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	cfg, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}

	env, err := buildHost(cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	infos, err := env.host.ListExtensions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tUNPACKED\tCAPABILITIES\tNAME")
	for _, info := range infos {
		caps := make([]string, 0, len(info.Capabilities))
		for _, c := range info.Capabilities {
			caps = append(caps, string(c))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			info.ID,
			info.Version,
			info.Status,
			info.Unpacked,
			strings.Join(caps, ","),
			info.Name,
		)
	}
	return w.Flush()
}
