// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command connd is the connection manager daemon: it mirrors kernel
// links into a device inventory and lets the policy engine decide what
// to activate, which device is the default, and what the hostname is.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/connd/internal/dispatcher"
	"grimm.is/connd/internal/dnsmgr"
	"grimm.is/connd/internal/firewall"
	"grimm.is/connd/internal/hostnamed"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/manager"
	"grimm.is/connd/internal/metrics"
	"grimm.is/connd/internal/platform"
	"grimm.is/connd/internal/policy"
	"grimm.is/connd/internal/resolver"
	"grimm.is/connd/internal/routemgr"
	"grimm.is/connd/internal/settings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "connd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/connd/connd.hcl", "configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settings store, fed from the config file's connection blocks.
	var storeOpts []settings.Option
	if hn, err := hostnamed.NewClient(); err == nil {
		defer hn.Close()
		storeOpts = append(storeOpts, settings.WithHostnameSetter(hn))
	} else {
		logger.Warn("hostnamed unavailable; transient hostname falls back to sethostname", "error", err)
	}
	store := settings.NewStore(logger.Component("settings"), storeOpts...)

	mgr := manager.New(logger.Component("manager"), store)
	mgr.SetHostname(cfg.Hostname)

	routes := routemgr.NewManager(logger.Component("routes"),
		mgr.Devices,
		mgr.ActiveConnections,
	)

	dns := dnsmgr.NewManager(logger.Component("dns"), dnsmgr.NewResolvConfWriter(cfg.ResolvConf))

	var fw policy.FirewallManager
	if !cfg.DisableFirewall {
		fwm := firewall.NewManager(logger.Component("firewall"))
		if err := fwm.Start(); err != nil {
			logger.Warn("firewall manager unavailable", "error", err)
		} else {
			fw = fwm
		}
	}

	var disp policy.Dispatcher
	if !cfg.DisableDispatcher {
		d, err := dispatcher.NewClient(logger.Component("dispatcher"))
		if err != nil {
			logger.Warn("dispatcher unavailable", "error", err)
		} else {
			defer d.Close()
			disp = d
		}
	}

	var coll *metrics.Collector
	if cfg.MetricsListen != "" {
		coll = metrics.NewCollector(prometheus.DefaultRegisterer)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, nil); err != nil {
				logger.Warn("metrics listener failed", "error", err)
			}
		}()
	}

	res := resolver.New()
	res.ResolvConfPath = cfg.ResolvConf

	engine := policy.New(policy.Config{
		Manager:  mgr,
		Settings: store,
		DNS:      dns,
		Routes:   routes,
		Firewall: fw,
		Platform: platform.Netlink{},
		Resolver: res,
		Dispatch: disp,
		Logger:   logger.Component("policy"),
		Metrics:  coll,
	})
	defer engine.Close()

	for _, cc := range cfg.Connections {
		store.AddConnection(settings.Profile{
			ID:          cc.ID,
			UUID:        cc.UUID,
			Type:        cc.Type,
			Master:      cc.Master,
			Secondaries: cc.Secondaries,
			Autoconnect: cc.Autoconnect,
			Priority:    cc.Priority,
			Visible:     true,
		})
	}

	if err := mgr.WatchLinks(ctx); err != nil {
		return fmt.Errorf("watch links: %w", err)
	}

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify not delivered", "error", err)
	}

	logger.Info("connd running", "config", *configPath)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
