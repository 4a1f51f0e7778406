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

// pauseCmd marks an extension paused. A running daemon notices through the
// lifecycle event; an offline tree simply keeps the marker for the next
// serve.
var pauseCmd = &cobra.Command{
	Use:           "pause ID",
	Short:         "Pause an extension without uninstalling it",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.Wrap(runPause(cmd, args[0]), "run `exthost pause`")
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}

func runPause(cmd *cobra.Command, id string) error {
	cfg, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}

	env, err := buildHost(cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.host.Pause(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("paused %s\n", id)
	return nil
}
