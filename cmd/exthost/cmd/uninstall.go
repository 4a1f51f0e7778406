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
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// uninstallCmd removes an extension together with every row it ever wrote:
// features, tags, embeddings, settings and attachments.
var uninstallCmd = &cobra.Command{
	Use:           "uninstall ID",
	Short:         "Uninstall an extension and delete its data",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.Wrap(runUninstall(cmd, args[0]), "run `exthost uninstall`")
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, id string) error {
	cfg, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}

	env, err := buildHost(cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.host.Uninstall(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("uninstalled %s\n", id)
	return nil
}
