// apphostd is the app control plane daemon: it owns the per-app
// lifecycle (provisioning, supervision, metadata) and serves the REST
// API plus the HTTP/WebSocket reverse proxy on a single listener.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvross/apphost/internal/api"
	"github.com/kvross/apphost/internal/config"
	"github.com/kvross/apphost/internal/lifecycle"
	"github.com/kvross/apphost/internal/metastore"
	"github.com/kvross/apphost/internal/portpool"
	"github.com/kvross/apphost/internal/provisioner"
	"github.com/kvross/apphost/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(version.Version())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	log.Printf("apphostd %s starting (data=%s bind=%s:%d ports=%d-%d)",
		version.Version(), cfg.DataDir, cfg.Bind, cfg.APIPort, cfg.PortMin, cfg.PortMax)

	store := metastore.New(cfg.AppsDir)
	ports := portpool.New(cfg.Bind, cfg.PortMin, cfg.PortMax)
	prov := provisioner.New(store, ports, cfg.Bind, cfg.AppsDir)
	lm := lifecycle.New(store, ports, prov, cfg.AppsDir)

	reconcileOnBoot(lm)

	server := api.NewServer(cfg, lm)
	if err := server.Start(); err != nil {
		log.Fatalf("start server: %v", err)
	}
	log.Printf("apphostd ready on %s:%d", cfg.Bind, cfg.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownRunningApps(lm)

	if err := server.Stop(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	log.Println("apphostd stopped")
}

// reconcileOnBoot lists every app once at startup, which runs liveness
// reconciliation on each record: a record whose recorded pid no longer
// refers to a live process has its pid cleared and, if it was running or
// starting, is marked stopped. A record with no pid is left unchanged,
// whatever its status. Per-app reconciliation on the next List/Get would
// do the same; doing it eagerly here means a `list` immediately after
// boot already reflects it.
func reconcileOnBoot(lm *lifecycle.Manager) {
	recs, err := lm.List()
	if err != nil {
		log.Printf("reconcile on boot: list: %v", err)
		return
	}
	log.Printf("loaded %d app(s) from disk", len(recs))
}

// shutdownRunningApps stops every app's process tree so nothing is left
// running after the control plane exits. Best-effort: a record still
// showing running on next boot is corrected by reconciliation.
func shutdownRunningApps(lm *lifecycle.Manager) {
	recs, err := lm.List()
	if err != nil {
		log.Printf("shutdown: list apps: %v", err)
		return
	}
	for _, rec := range recs {
		if rec.PID == 0 {
			continue
		}
		if _, err := lm.Stop(rec.AppID); err != nil {
			log.Printf("shutdown: stop %s: %v", rec.AppID, err)
		}
	}
}
