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

	"github.com/photark/extension-host/pkg/host"
)

// syncCmd reconciles stored extension output with the image catalog. Run
// offline it deletes orphaned rows; the per-image compute work needs live
// extensions and is enqueued by the daemon on connect instead.
var syncCmd = &cobra.Command{
	Use:           "sync [ID]",
	Short:         "Reconcile extension data with the image catalog",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return errors.Wrap(runSync(cmd, id), "run `exthost sync`")
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, id string) error {
	cfg, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}

	env, err := buildHost(cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()

	ids := []string{id}
	if id == "" {
		infos, err := env.host.ListExtensions()
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, info := range infos {
			if info.Status == host.StatusPaused {
				continue
			}
			ids = append(ids, info.ID)
		}
	}

	for _, id := range ids {
		report, err := env.host.Synchronise(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "synchronising %s", id)
		}
		if report == nil {
			fmt.Printf("%s: queued until the extension connects\n", id)
			continue
		}
		fmt.Printf("%s: %d image(s) enqueued, %d orphaned row(s) removed\n",
			id, report.Enqueued, report.Orphans)
	}
	return nil
}
