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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sigs.k8s.io/release-utils/log"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "exthost",
	Short: "Run and manage Photark extensions",
	Long: `exthost - the Photark extension host

Installs third-party extensions, supervises their processes, and routes
image events between the Photark catalog and each extension's socket.
`,
	PersistentPreRunE: initLogging,
}

type rootOptions struct {
	logLevel      string
	configPath    string
	dataDir       string
	extensionsDir string
}

var rootOpts = &rootOptions{}

// Execute adds all child commands to the root command and sets flags.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&rootOpts.logLevel,
		"log-level",
		"info",
		fmt.Sprintf("the logging verbosity, either %s", log.LevelNames()),
	)

	rootCmd.PersistentFlags().StringVar(
		&rootOpts.configPath,
		"config",
		"",
		"path to the host configuration file (optional, YAML)",
	)

	rootCmd.PersistentFlags().StringVar(
		&rootOpts.dataDir,
		"data-dir",
		"",
		"directory holding the stores and the installed-extensions tree (default ~/.photark)",
	)

	rootCmd.PersistentFlags().StringVar(
		&rootOpts.extensionsDir,
		"extensions-dir",
		"",
		"root of the installed-extensions tree (default <data-dir>/extensions)",
	)
}

func initLogging(cmd *cobra.Command, _ []string) error {
	if err := log.SetupGlobalLogger(rootOpts.logLevel); err != nil {
		return err
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		logrus.Debugf("flag --%s=%s", f.Name, f.Value)
	})
	return nil
}
