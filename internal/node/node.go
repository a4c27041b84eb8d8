package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"weak"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/wisp-vpn/wisp/internal/egress"
	"github.com/wisp-vpn/wisp/internal/fingerprint"
	"github.com/wisp-vpn/wisp/internal/locator"
	"github.com/wisp-vpn/wisp/internal/origin"
	"github.com/wisp-vpn/wisp/internal/util"
)

// Node is the server-side signalling endpoint (spec.md §4.H): it holds the
// ICE server list, a Locator bound to the configured JSON-RPC endpoint,
// the lottery contract address, a swappable shared Egress, and a
// fingerprint-keyed weak cache of live Clients.
type Node struct {
	ice     []string
	locator *locator.Locator
	lottery string

	egressMu sync.RWMutex
	eg       egress.Egress

	mu      sync.Mutex
	clients map[string]weak.Pointer[Client]
}

// New constructs a Node bound to ice (STUN/TURN server URLs), an RPC
// endpoint, and a lottery contract address. The Node starts with a
// Loopback Egress; SetEgress installs the real one once ready, matching
// the original's "wire the shared Egress after Node starts serving"
// startup ordering.
func New(ice []string, rpc, lotteryAddress string) *Node {
	return &Node{
		ice:     ice,
		locator: locator.Parse(rpc),
		lottery: lotteryAddress,
		eg:      egress.Loopback{},
		clients: make(map[string]weak.Pointer[Client]),
	}
}

// SetEgress atomically swaps the shared Egress every Client's Origin is
// backed by. Clients constructed before the swap keep using the Origin
// they were built with — this method only affects clients Find creates
// afterward, mirroring the original's node->Wire() semantics.
func (n *Node) SetEgress(eg egress.Egress) {
	n.egressMu.Lock()
	n.eg = eg
	n.egressMu.Unlock()
}

func (n *Node) currentOrigin() origin.Origin {
	n.egressMu.RLock()
	defer n.egressMu.RUnlock()
	return origin.NewEgressSession(n.eg)
}

// Find upgrades the weak entry for fingerprint if it is still alive,
// otherwise constructs, stores, and returns a new Client.
func (n *Node) Find(fp string) *Client {
	n.mu.Lock()
	defer n.mu.Unlock()

	if weakClient, ok := n.clients[fp]; ok {
		if c := weakClient.Value(); c != nil {
			return c
		}
	}

	c := newClient(fp, n.currentOrigin())
	n.clients[fp] = weak.Make(c)
	return c
}

// Run installs the signalling HTTP router and listens with TLS 1.2+ on
// 0.0.0.0:port. pkcs12Bundle/pkcs12Password decode to the private key and
// certificate chain (spec.md §6's "tls" option is a PKCS#12 bundle,
// matching the original's boost::asio::ssl PKCS#12-loading config). POST
// path carries an SDP offer body and responds with the SDP answer as
// text/plain — any failure in the handler yields 404 with an empty body,
// per spec.md §4.H/§7.
//
// The original also configures classical Diffie-Hellman parameters
// (`dh` option, `use_tmp_dh`) for DHE cipher suites; crypto/tls has no
// equivalent knob; it negotiates ECDHE automatically and never offers
// static/anonymous DH suites, so the dh parameter has nothing to bind to
// here and is accepted by internal/config but unused by Node.
func (n *Node) Run(ctx context.Context, port uint16, path string, pkcs12Bundle []byte, pkcs12Password string) error {
	cert, err := loadPKCS12(pkcs12Bundle, pkcs12Password)
	if err != nil {
		return fmt.Errorf("node: load tls bundle: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, n.handleOffer)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", port),
		Handler: mux,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{*cert},
		},
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("node: listening on %s%s", srv.Addr, path)
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("node: serve: %w", err)
	}
	return nil
}

func (n *Node) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		util.LogWarning("node: read offer body: %v", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	fp, err := fingerprint.Extract(string(body))
	if err != nil {
		util.LogWarning("node: extract fingerprint: %v", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	client := n.Find(fp)
	answer, err := client.Respond(r.Context(), string(body))
	if err != nil {
		util.LogWarning("node: %s: respond failed: %v", fp, err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(answer))
}

// loadPKCS12 decodes a PKCS#12 bundle into a tls.Certificate, chaining any
// intermediate CA certificates the bundle carries after the leaf.
func loadPKCS12(bundle []byte, password string) (*tls.Certificate, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(bundle, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}

	chain := [][]byte{leaf.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}

	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
