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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/photark/extension-host/internal/config"
	"github.com/photark/extension-host/pkg/host"
)

// serveCmd is the daemon: it owns the extension tree, the child processes
// and the websocket endpoint until it is signalled to stop.
var serveCmd = &cobra.Command{
	Use:           "serve",
	Short:         "Run the extension host daemon",
	Long: `exthost serve - run the Photark extension host

Starts every enabled extension, watches the unpacked directory, and serves
the extension socket together with the metrics and health endpoints.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.Wrap(runServe(cmd), "run `exthost serve`")
	},
}

type serveOptions struct {
	listenAddress      string
	webServicesBaseURL string
	unpackedDir        string
}

var serveOpts = &serveOptions{}

// shutdownSlack is added to the stop grace period when bounding shutdown,
// so slow children are killed before the deadline hits.
const shutdownSlack = 10 * time.Second

func init() {
	serveCmd.PersistentFlags().StringVar(
		&serveOpts.listenAddress,
		"listen",
		config.DefaultListenAddress,
		"address to serve the extension socket, /metrics and /healthz on",
	)

	serveCmd.PersistentFlags().StringVar(
		&serveOpts.webServicesBaseURL,
		"web-services-url",
		config.DefaultWebServicesBaseURL,
		"base URL of the Photark API handed to every extension process",
	)

	serveCmd.PersistentFlags().StringVar(
		&serveOpts.unpackedDir,
		"unpacked-dir",
		"",
		"directory scanned and watched for live-developed extensions",
	)

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	cfg, err := resolveConfig(cmd, func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.ListenAddress = serveOpts.listenAddress
		}
		if flags.Changed("web-services-url") {
			cfg.WebServicesBaseURL = serveOpts.webServicesBaseURL
		}
		if flags.Changed("unpacked-dir") {
			cfg.UnpackedDir = serveOpts.unpackedDir
		}
	})
	if err != nil {
		return err
	}

	env, err := buildHost(cfg, host.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.host.Start(context.Background()); err != nil {
		return errors.Wrap(err, "starting extension host")
	}

	mux := http.NewServeMux()
	mux.Handle("/extensions/socket", env.host.SocketHandler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	group, groupCtx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		logrus.Infof("listening on %s", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "serving")
		}
		return nil
	})
	group.Go(func() error {
		select {
		case sig := <-stop:
			logrus.Infof("received %s, shutting down", sig)
		case <-groupCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), cfg.StopGracePeriod.Std()+shutdownSlack)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("shutting down server: %v", err)
		}
		return env.host.Destroy(shutdownCtx)
	})
	return group.Wait()
}
