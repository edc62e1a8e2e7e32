// Command tinkerlinkd connects to a brick/bricklet daemon, republishes its
// traffic to configured message brokers and a state store, and exposes a
// REST+SSE API and an optional terminal dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tinkerlink/api"
	"tinkerlink/ipconn"
	"tinkerlink/kafkabridge"
	"tinkerlink/mqttbridge"
	"tinkerlink/statestore"
	"tinkerlink/tfconfig"
	"tinkerlink/tflog"
	"tinkerlink/uid"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath  = flag.String("config", tfconfig.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	headless    = flag.Bool("d", false, "Disable the terminal dashboard (headless mode)")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (comma-separated subsystems, or \"all\")")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tinkerlinkd %s\n", Version)
		os.Exit(0)
	}

	cfg, err := tfconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if *namespace != "" {
		if !tfconfig.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "error: invalid namespace %q\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "error saving config: %v\n", err)
			os.Exit(1)
		}
	}

	if *logDebug != "" {
		logger, err := tflog.New("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening debug log: %v\n", err)
			os.Exit(1)
		}
		if *logDebug != "all" {
			logger.SetFilter(*logDebug)
		}
		tflog.SetGlobal(logger)
		defer logger.Close()
	}

	conns := enabledConnections(cfg)
	if len(conns) == 0 {
		fmt.Fprintln(os.Stderr, "error: no enabled connections configured")
		os.Exit(1)
	}
	var connOpts []ipconn.Option
	if conns[0].BroadcastBuffer > 0 {
		connOpts = append(connOpts, ipconn.WithBroadcastBufferSize(conns[0].BroadcastBuffer))
	}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), conns[0].GetTimeout())
	conn, err := ipconn.ConnectContext(dialCtx, conns[0].Address, connOpts...)
	cancelDial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to %s: %v\n", conns[0].Address, err)
		os.Exit(1)
	}

	stateMgr := statestore.NewManager()
	stateMgr.LoadFromConfig(cfg.StateStore)

	mqttMgr := mqttbridge.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT)

	kafkaMgr := kafkabridge.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka)

	writeHandler := func(uidStr string, functionID uint8, payload []byte) error {
		uidVal, err := uid.Decode(uidStr)
		if err != nil {
			return err
		}
		timeout := ipconn.DefaultTimeout
		_, err = conn.Set(uidVal, functionID, payload, &timeout)
		return err
	}
	mqttMgr.SetWriteHandler(writeHandler)
	stateMgr.SetWriteHandler(writeHandler)

	if err := stateMgr.StartAll(); err != nil {
		tflog.Log("main", "state store startup error: %v", err)
	}
	mqttMgr.StartAll()
	kafkaMgr.ConnectAll()

	go republishFrames(conn, stateMgr, mqttMgr, kafkaMgr)

	apiServer := api.NewServer(conn, stateMgr, cfg)
	if cfg.Web.Enabled {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "error starting API server: %v\n", err)
		} else {
			fmt.Printf("API listening on %s\n", apiServer.Address())
		}
	}

	shutdown := func() {
		apiServer.Stop()
		mqttMgr.StopAll()
		kafkaMgr.DisconnectAll()
		stateMgr.StopAll()
		conn.Close()
	}

	if *headless {
		fmt.Println("Running headless. Press Ctrl+C to stop.")
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		fmt.Printf("\nreceived %v, shutting down...\n", sig)

		done := make(chan struct{})
		go func() {
			shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
		return
	}

	dashboard := newDashboard(cfg, conn, stateMgr)
	if err := dashboard.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
	}
	shutdown()
}

func enabledConnections(cfg *tfconfig.Config) []tfconfig.ConnectionConfig {
	var out []tfconfig.ConnectionConfig
	for _, c := range cfg.Connections {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// republishFrames drains the connection's enumerate stream and relays
// connect/disconnect and device-identifier information to every
// configured bridge. Per-function callback payload fan-out is left to
// generated device bindings, so this loop republishes enumerate
// activity only.
func republishFrames(conn *ipconn.Connection, stateMgr *statestore.Manager, mqttMgr *mqttbridge.Manager, kafkaMgr *kafkabridge.Manager) {
	stream, err := conn.Enumerate()
	if err != nil {
		tflog.Log("main", "enumerate failed: %v", err)
		return
	}
	defer stream.Close()

	for {
		resp, ok := stream.Next()
		if !ok {
			return
		}
		payload := []byte{byte(resp.DeviceIdentifier), byte(resp.DeviceIdentifier >> 8), byte(resp.EnumerationType)}
		stateMgr.PublishState(resp.UID, 253, payload)
		mqttMgr.PublishEvent(resp.UID, 253, payload)
		kafkaMgr.PublishEvent(context.Background(), resp.UID, 253, payload)
	}
}
