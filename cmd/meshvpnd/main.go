// cmd/meshvpnd/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vpnmesh/meshvpn/internal/certwatch"
	"github.com/vpnmesh/meshvpn/internal/config"
	"github.com/vpnmesh/meshvpn/internal/diag"
	"github.com/vpnmesh/meshvpn/internal/node"
	"github.com/vpnmesh/meshvpn/internal/offload"
	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/tap"
)

var (
	configPath = flag.String("config", "meshvpn.json", "Path to the JSON configuration file")
	diagAddr   = flag.String("diag", "", "Listen address for the diag HTTP surface (empty disables)")
	logLevel   = flag.String("loglevel", "info", "Log severity: error, warn, info, debug")
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const offloadConcurrency = 8

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("meshvpnd v%s\n", appVersion)
		return
	}
	if *showHelp {
		flag.Usage()
		return
	}

	setupLogging(*logLevel)

	absCfg, err := filepath.Abs(*configPath)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}
	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s; edit server_addr and bind_addrs before connecting", absCfg)
	}

	os.Exit(run(cfg))
}

func setupLogging(level string) {
	for _, subsystem := range []string{
		"reactor", "server", "transport", "peer",
		"dataplane", "offload", "certwatch", "diag", "node",
	} {
		if err := logging.SetLogLevel(subsystem, level); err != nil {
			log.Fatalf("Invalid log level %q: %v", level, err)
		}
	}
}

func run(cfg config.Config) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	r := reactor.New(0, 0)
	pool := offload.New(ctx, r, offloadConcurrency)

	var certs *certwatch.Watcher
	if cfg.TLS.Enabled {
		certPath := filepath.Join(cfg.TLS.NSSDB, cfg.TLS.ClientCertName+".crt")
		keyPath := filepath.Join(cfg.TLS.NSSDB, cfg.TLS.ClientCertName+".key")
		w, err := certwatch.New(certPath, keyPath)
		if err != nil {
			log.Printf("Failed to load client certificate: %v", err)
			return 1
		}
		certs = w
		defer certs.Close()
	}

	// The in-tree device is the in-memory one; a platform tap driver
	// plugs in behind the same tap.Device interface.
	dev := tap.NewFakeDevice(cfg.Buffers.SendSize)
	defer dev.Close()

	n := node.New(r, cfg, certs, dev, pool)
	if err := n.Start(ctx); err != nil {
		log.Printf("Failed to start: %v", err)
		return 1
	}
	defer n.Close()

	if *diagAddr != "" {
		ds := diag.New(diag.Sources{
			Peers: n.Peers,
			Queue: n.Queue,
			RunOn: n.RunOnReactor,
		}, nil)
		mux := http.NewServeMux()
		ds.Register(mux)
		go func() {
			if err := http.ListenAndServe(*diagAddr, mux); err != nil {
				log.Printf("diag server: %v", err)
			}
		}()
	}

	go func() {
		<-sigCh
		log.Printf("Signal received, shutting down")
		r.Post(func() { r.Quit(0) })
	}()

	return r.Run(ctx)
}
