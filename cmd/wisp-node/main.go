// Command wisp-node runs the server-side signalling endpoint (spec.md
// §4.H): it answers SDP offers over HTTPS, hands each fingerprint its own
// Client, and forwards decapsulated traffic through a shared Egress toward
// an upstream OpenVPN exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/wisp-vpn/wisp/internal/config"
	"github.com/wisp-vpn/wisp/internal/egress"
	"github.com/wisp-vpn/wisp/internal/node"
	"github.com/wisp-vpn/wisp/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("wisp-node: shut down cleanly")
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	bundle, password, err := loadTLSBundle(cfg.TLS)
	if err != nil {
		return fmt.Errorf("load tls bundle: %w", err)
	}

	fp, err := node.Fingerprint(bundle, password)
	if err != nil {
		return fmt.Errorf("compute fingerprint: %w", err)
	}
	fmt.Fprintln(os.Stderr, "tls =", fp)
	fmt.Fprintf(os.Stderr, "url = https://%s:%d%s\n", cfg.Host, cfg.Port, cfg.Path)

	n := node.New([]string{cfg.STUN}, cfg.RPC, cfg.EthLottery)

	if cfg.OVPNFile != "" {
		go wireOpenVPNEgress(ctx, n, cfg)
	} else {
		util.LogInfo("wisp-node: no -ovpn-file given, forwarding through loopback egress")
	}

	return n.Run(ctx, cfg.Port, cfg.Path, bundle, password)
}

// loadTLSBundle reads a PKCS#12 bundle from path, or mints a fresh
// self-signed one when path is empty — the original's args.count("tls")==0
// branch, which generates an ephemeral rtc::RTCCertificate instead.
func loadTLSBundle(path string) (bundle []byte, password string, err error) {
	if path == "" {
		return node.GenerateSelfSigned()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return data, "", nil
}

// wireOpenVPNEgress reads the OpenVPN profile named by cfg and installs an
// egress.OpenVPNSession stub as the Node's shared Egress, in the place the
// original's Node::Wire(openvpn_session) call occupies. No OpenVPN session
// is established: the stub's send always returns an error and its receive
// channel never delivers a reply.
func wireOpenVPNEgress(ctx context.Context, n *node.Node, cfg *config.ServerConfig) {
	ovpn, err := os.ReadFile(cfg.OVPNFile)
	if err != nil {
		util.LogError("wisp-node: read ovpn-file %s: %v", cfg.OVPNFile, err)
		return
	}
	util.LogInfo("wisp-node: loaded openvpn profile (%d bytes) for %s, dialing upstream", len(ovpn), cfg.OVPNUser)

	send := func(ctx context.Context, packet []byte) error {
		return fmt.Errorf("wisp-node: openvpn transport not wired in this build")
	}
	recv := make(chan []byte)

	n.SetEgress(egress.NewOpenVPNSession(send, recv))
	util.LogWarning("wisp-node: openvpn egress installed as a stub; packets will error until a real session backs it")

	<-ctx.Done()
}
