package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/sharewatch/sharewatchd/pkg/share/config"
	"github.com/sharewatch/sharewatchd/pkg/share/coordinator"
	"github.com/sharewatch/sharewatchd/pkg/share/inspect"
	"github.com/sharewatch/sharewatchd/pkg/share/keystore"
	"github.com/sharewatch/sharewatchd/pkg/share/logging"
	"github.com/sharewatch/sharewatchd/pkg/share/metrics"
	"github.com/sharewatch/sharewatchd/pkg/share/mountdrv"
	"github.com/sharewatch/sharewatchd/pkg/share/netchange"
	"github.com/sharewatch/sharewatchd/pkg/share/probe"
	"github.com/sharewatch/sharewatchd/pkg/share/recovery"
	"github.com/sharewatch/sharewatchd/pkg/share/vpnroute"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: evaluate every configured share and keep it mounted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	return cmd
}

// newRootLogger binds dlog to a logrus-backed logger, per SPEC_FULL.md's
// ambient-stack logging section: dlib logs through a pluggable
// dlog.Logger interface and the host process supplies the concrete
// implementation.
func newRootLogger(ctx context.Context) context.Context {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return dlog.WithLogger(ctx, dlog.WrapLogrus(l))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := newRootLogger(cmd.Context())

	homeFlag, _ := cmd.Flags().GetString("home")
	home, err := resolveHome(homeFlag)
	if err != nil {
		return err
	}
	configFlag, _ := cmd.Flags().GetString("config")

	cfg, err := loadDaemonConfig(ctx, home)
	if err != nil {
		return err
	}
	if configFlag != "" {
		cfg.ConfigPath = configFlag
	}

	repo, err := config.NewFileRepository(cfg.ConfigPath)
	if err != nil {
		return err
	}

	osFs := afero.NewOsFs()
	inspector := inspect.NewUnixInspector()
	prober := probe.New()
	driver := &mountdrv.Driver{
		Fs:               osFs,
		Inspector:        inspector,
		SystemVolumesDir: "/mnt",
	}

	var vpnSubsystem vpnroute.VPNSubsystem
	if nm, err := vpnroute.NewNetworkManagerVPNSubsystem(); err != nil {
		dlog.Warnf(ctx, "serve: NetworkManager unreachable, VPN detection falls back to interface scanning only: %v", err)
	} else {
		vpnSubsystem = nm
	}
	vpnMonitor := vpnroute.New(vpnroute.NetlinkRouteProvider{}, vpnroute.NetlinkInterfaceLister{}, vpnSubsystem)

	keystoreAdapter, err := keystore.NewSecretServiceAdapter()
	if err != nil {
		dlog.Warnf(ctx, "serve: Secret Service unreachable, falling back to an in-memory (non-persistent) credential store: %v", err)
	}
	var credStore keystore.Adapter
	if keystoreAdapter != nil {
		credStore = keystoreAdapter
	} else {
		credStore = keystore.NewMemoryAdapter()
	}

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	startupRecovery := recovery.New(osFs, cfg.StartupRecordPath, driver)
	cfgs, err := repo.FetchAll(ctx)
	if err != nil {
		return err
	}
	if err := startupRecovery.Run(ctx, cfgs, home); err != nil {
		return err
	}

	linkWatcher := netchange.NewLinkWatcher()
	sleepWatcher, sleepWatcherErr := netchange.NewSleepWatcher()
	var systemWake coordinator.ChangeSource
	if sleepWatcherErr != nil {
		dlog.Warnf(ctx, "serve: logind unreachable, system-wake re-evaluation is disabled: %v", sleepWatcherErr)
	} else {
		systemWake = sleepWatcher
	}

	logger := logging.New()

	coord := coordinator.New(coordinator.Deps{
		Repository:     repo,
		ChangeNotifier: repo,
		Driver:         driver,
		Inspector:      inspector,
		Prober:         prober,
		VPN:            vpnMonitor,
		Keystore:       credStore,
		Metrics:        metricsRegistry,
		NetworkChanges: linkWatcher,
		SystemWake:     systemWake,
		InspectorCache: inspector,
		Home:           home,
		Logger:         logger,
	})

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		SoftShutdownTimeout:  10 * time.Second,
		ShutdownOnNonError:   true,
	})

	g.Go("coordinator", coord.Start)
	g.Go("vpn-monitor", vpnMonitor.Run)
	g.Go("vpn-netlink", func(ctx context.Context) error {
		return vpnroute.SubscribeLinkChanges(ctx, func() { vpnMonitor.Tick(ctx) })
	})
	g.Go("link-watcher", linkWatcher.Run)
	if sleepWatcher != nil {
		g.Go("sleep-watcher", sleepWatcher.Run)
	}
	g.Go("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, reg)
	})

	err = g.Wait()
	if clearErr := startupRecovery.Clear(); clearErr != nil {
		dlog.Errorf(ctx, "serve: clearing startup record on clean shutdown: %v", clearErr)
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
