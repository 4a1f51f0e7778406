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

	"github.com/photark/extension-host/pkg/fetch"
)

// installCmd installs an extension archive without a running daemon. The
// next `exthost serve` picks the extension up and starts its process.
var installCmd = &cobra.Command{
	Use:   "install SOURCE",
	Short: "Install an extension from an archive",
	Long: `exthost install - install an extension from an archive

SOURCE is a local path or an http(s)://, gs:// or s3:// URL of a zip or
tar.gz archive carrying a manifest.json at its root.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.Wrap(runInstall(cmd, args[0]), "run `exthost install`")
	},
}

type installOptions struct {
	update string
	digest string
}

var installOpts = &installOptions{}

func init() {
	installCmd.PersistentFlags().StringVar(
		&installOpts.update,
		"update",
		"",
		"update the named installed extension instead of installing fresh",
	)

	installCmd.PersistentFlags().StringVar(
		&installOpts.digest,
		"digest",
		"",
		"expected SHA-256 of the archive; the install fails on mismatch",
	)

	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, source string) error {
	cfg, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}

	ctx := context.Background()
	fetcher := fetch.New()

	var data []byte
	if installOpts.digest != "" {
		data, err = fetcher.FetchVerified(ctx, source, installOpts.digest)
	} else {
		data, err = fetcher.Fetch(ctx, source)
	}
	if err != nil {
		return err
	}

	env, err := buildHost(cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	installed, err := env.host.Install(ctx, installOpts.update, data)
	if err != nil {
		return err
	}

	fmt.Printf("installed %s %s into %s\n",
		installed.ID(), installed.Manifest.Version, installed.Dir)
	return nil
}
