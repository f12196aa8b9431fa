package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaunagostinho/stmdsp-dash/internal/control"
	"github.com/shaunagostinho/stmdsp-dash/internal/device"
	"github.com/shaunagostinho/stmdsp-dash/internal/server"
	"github.com/shaunagostinho/stmdsp-dash/internal/simulator"
	"github.com/shaunagostinho/stmdsp-dash/internal/transport"
	"github.com/shaunagostinho/stmdsp-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/dspdash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated device")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Serial port to use instead of scanning")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] dspdash starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Device.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	opts := cfg.ControlOptions()
	if cfg.Device.Type == "demo" {
		if opts.Port == "" {
			opts.Port = "demo"
		}
		opts.Dial = dialDemo
	}
	ctrl := control.New(opts)
	defer ctrl.Close()

	// The dashboard starts regardless; connecting continues in the background.
	if cfg.Device.AutoConnect {
		go func() {
			if err := ctrl.AutoConnect(ctx, cfg.Device.ConnectAttempts); err != nil && ctx.Err() == nil {
				log.Printf("[main] auto-connect gave up: %v", err)
			}
		}()
	}

	srv := server.New(cfg, ctrl, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// dialDemo opens a session on a simulated device that paces chunks like
// the hardware.
func dialDemo(endpoint string, opts device.Options) (*device.Session, error) {
	sim := simulator.New(simulator.Options{Realtime: true})
	tr, err := transport.New(sim, opts.Transport.ReadTimeout)
	if err != nil {
		return nil, err
	}
	return device.New(endpoint, tr, opts)
}
