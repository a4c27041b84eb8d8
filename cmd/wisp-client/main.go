// Command wisp-client runs the capture-side half of wisp: it opens a tun
// device, demultiplexes host traffic through the Split engine, and tunnels
// every outbound flow through a WebRTC DataChannel to a peer (another
// wisp-client acting as host, or a wisp-node exit) negotiated over the
// same WebSocket signalling flow the teacher's port-forwarder used.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -wsUrl, -wsListen, -db, -debug).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/wisp-vpn/wisp/internal/analyzer"
	"github.com/wisp-vpn/wisp/internal/capture"
	"github.com/wisp-vpn/wisp/internal/config"
	"github.com/wisp-vpn/wisp/internal/origin"
	"github.com/wisp-vpn/wisp/internal/runtime"
	"github.com/wisp-vpn/wisp/internal/signaling"
	"github.com/wisp-vpn/wisp/internal/split"
	"github.com/wisp-vpn/wisp/internal/transport"
	"github.com/wisp-vpn/wisp/internal/util"
	"golang.org/x/time/rate"

	"net/netip"

	"github.com/songgao/water"
)

var version = "dev"

// guardRate/guardBurst bound how fast this client opens new upstream
// connections through the negotiated peer — spec.md §9's Guard variant.
const (
	guardRate  = rate.Limit(50)
	guardBurst = 100
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	roleFlag := flag.String("role", "", "Role: host or client")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket URL to connect to (client only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (host only)")
	dbPath := flag.String("db", "", "Path to the flow-journal SQLite database (empty disables journaling)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("wisp-client — v%s", version))
	pterm.Println()

	cfg := config.ClientConfig{WSListen: *wsListenFlag}
	switch *roleFlag {
	case "":
		cfg = runInteractivePrompt()
	case "host":
		cfg.Role = config.RoleHost
	case "client":
		cfg.Role = config.RoleClient
		wsURL, err := normalizeWSURL(*wsURLFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.WSURL = wsURL
	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	if err := run(ctx, cfg, *dbPath); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("wisp-client: shut down cleanly")
}

// run establishes the WebRTC transport, wires it as this process's Origin,
// opens the tun device, and pumps packets until ctx is cancelled.
func run(ctx context.Context, cfg config.ClientConfig, dbPath string) error {
	tr, err := runtime.Wait(func() (*transport.Transport, error) { return establish(ctx, cfg) })
	if err != nil {
		return fmt.Errorf("establish tunnel: %w", err)
	}
	defer tr.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established")

	remote := origin.NewRemote(tr)
	guarded := origin.NewGuard(remote, guardRate, guardBurst)

	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	defer iface.Close()
	util.LogInfo("wisp-client: tun device %s ready", iface.Name())

	var an analyzer.Analyzer
	var journal split.Journal
	if dbPath != "" {
		logger, err := analyzer.OpenLoggerDatabase(dbPath)
		if err != nil {
			return fmt.Errorf("open flow journal: %w", err)
		}
		defer logger.Close()
		an, journal = logger, logger
	} else {
		an = analyzer.NewSnooper()
	}

	cap := capture.New(iface, an)
	sp := split.New(guarded, cap, journal)
	cap.SetInternal(sp)

	tunAddr := netip.MustParseAddr("10.66.0.1")
	if err := sp.Connect(ctx, tunAddr); err != nil {
		return fmt.Errorf("split connect: %w", err)
	}

	return cap.Run(ctx)
}

func establish(ctx context.Context, cfg config.ClientConfig) (*transport.Transport, error) {
	switch cfg.Role {
	case config.RoleHost:
		return signaling.EstablishAsHost(ctx, cfg.WSListen)
	default:
		return signaling.EstablishAsClient(ctx, cfg.WSURL)
	}
}

// ---------------------------------------------------------------------------
// Interactive prompts (teacher's pterm-driven interactive mode)
// ---------------------------------------------------------------------------

func runInteractivePrompt() config.ClientConfig {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — wait for a peer to connect", "Client — connect to a remote peer"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		return config.ClientConfig{Role: config.RoleHost}
	}

	wsURL := askURL()
	return config.ClientConfig{Role: config.RoleClient, WSURL: wsURL}
}

func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.devtunnels.ms/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}
		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
