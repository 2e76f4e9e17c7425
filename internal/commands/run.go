package commands

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/admin"
	"github.com/hl037/nvim-dap-ghidra-sync/internal/config"
	dapproxy "github.com/hl037/nvim-dap-ghidra-sync/internal/dap"
	"github.com/hl037/nvim-dap-ghidra-sync/internal/syncer"
	"github.com/hl037/nvim-dap-ghidra-sync/internal/viewer"
)

const (
	// DefaultListenAddr is where DAP clients connect instead of the real
	// debug adapter.
	DefaultListenAddr = "127.0.0.1:4711"

	// DefaultAdminAddr is where the admin HTTP surface listens.
	DefaultAdminAddr = "127.0.0.1:18889"
)

var (
	listenAddr  string
	adapterAddr string
	adminAddr   string
	configFlags config.Flags
)

func NewRunCommand(log logr.Logger) (*cobra.Command, error) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the DAP proxy and the address-synchronization engine",
		RunE:  run(log),
		Args:  cobra.NoArgs,
	}

	runCmd.Flags().StringVar(&listenAddr, "listen", DefaultListenAddr, "Address to accept DAP client connections on.")
	runCmd.Flags().StringVar(&adapterAddr, "adapter", "", "Address of the debug adapter to proxy to.")
	runCmd.Flags().StringVar(&adminAddr, "admin-listen", DefaultAdminAddr, "Address of the admin HTTP endpoint.")
	configFlags.AddFlags(runCmd.Flags())

	if err := runCmd.MarkFlagRequired("adapter"); err != nil {
		return nil, err
	}

	return runCmd, nil
}

// sharedConfig is the configuration currently in effect, replaced wholesale
// by file watches and admin requests.
type sharedConfig struct {
	mu  sync.Mutex
	cfg config.Config
}

func (sc *sharedConfig) get() config.Config {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cfg
}

func (sc *sharedConfig) set(cfg config.Config) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
}

func run(log logr.Logger) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log = log.WithName("run")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, cfgErr := configFlags.Resolve(configFile)
		if cfgErr != nil {
			return cfgErr
		}

		client := viewer.NewClient(cfg, log.WithName("viewer"))
		engine := syncer.NewEngine(cfg, client, log.WithName("syncer"))

		shared := &sharedConfig{cfg: cfg}
		applyConfig := func(newCfg config.Config) {
			shared.set(newCfg)
			client.SetConfig(newCfg)
			engine.ApplyConfig(newCfg)
		}

		if configFile != "" {
			if watchErr := config.Watch(ctx, configFile, log.WithName("config"), applyConfig); watchErr != nil {
				return watchErr
			}
		}

		adminHandler := admin.NewHandler(admin.HandlerConfig{
			Engine:        engine,
			CurrentConfig: shared.get,
			ApplyConfig:   applyConfig,
			Logger:        log,
		})
		adminServer := admin.NewServer(adminAddr, adminHandler, log.WithName("admin"))

		dapServer := dapproxy.NewServer(dapproxy.ServerConfig{
			ListenAddr:  listenAddr,
			AdapterAddr: adapterAddr,
			Engine:      engine,
			Logger:      log.WithName("dap"),
		})

		log.Info("Starting ghidra-sync",
			"listenAddr", listenAddr, "adapterAddr", adapterAddr, "gotoServer", cfg.Endpoint())

		errCh := make(chan error, 2)
		go func() { errCh <- adminServer.Run(ctx) }()
		go func() { errCh <- dapServer.Run(ctx) }()

		// The first server to fail takes the process down; the other one is
		// released through context cancellation.
		runErr := <-errCh
		cancel()
		<-errCh

		if errors.Is(runErr, context.Canceled) {
			return nil
		}
		return runErr
	}
}
