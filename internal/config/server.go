package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ServerConfig mirrors spec.md §6's server option table exactly.
type ServerConfig struct {
	DH         string // PEM-encoded Diffie-Hellman parameters
	RPC        string // Ethereum JSON-RPC endpoint
	EthLottery string // lottery contract address
	STUN       string // ICE STUN server URL
	Host       string // advertised hostname
	Port       uint16 // TLS listen port
	Path       string // signalling POST path
	TLS        string // PKCS#12 bundle path
	OVPNFile   string
	OVPNUser   string
	OVPNPass   string
}

// defaultServerConfig matches the original's po::value defaults exactly;
// Host is left empty here and resolved to os.Hostname() by Load, mirroring
// the original's args.count("host")==0 fallback to boost::asio::host_name().
func defaultServerConfig() ServerConfig {
	return ServerConfig{
		RPC:  "http://127.0.0.1:8545/",
		STUN: "stun:stun.l.google.com:19302",
		Port: 8443,
		Path: "/",
	}
}

// Load applies the original's three-tier precedence — command-line flags,
// then an ORCHID_CONFIG key=value file for anything a flag left at its
// zero value, then the built-in defaults — and returns the resolved
// ServerConfig. args excludes the program name (as in os.Args[1:]).
func Load(args []string) (*ServerConfig, error) {
	cfg := defaultServerConfig()

	fs := flag.NewFlagSet("wisp-node", flag.ContinueOnError)
	dh := fs.String("dh", "", "diffie-hellman params (pem encoded)")
	rpc := fs.String("rpc", "", "ethereum json-rpc endpoint")
	ethLottery := fs.String("eth-lottery", "", "ethereum contract address of lottery")
	stun := fs.String("stun", "", "stun server url for discovery")
	host := fs.String("host", "", "hostname to advertise")
	port := fs.Uint("port", 0, "port to advertise")
	path := fs.String("path", "", "path of the internal https endpoint")
	tls := fs.String("tls", "", "tls keys and chain (pkcs#12 encoded)")
	ovpnFile := fs.String("ovpn-file", "", "openvpn .ovpn configuration file")
	ovpnUser := fs.String("ovpn-user", "", "openvpn username")
	ovpnPass := fs.String("ovpn-pass", "", "openvpn password")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	if p := os.Getenv("ORCHID_CONFIG"); p != "" {
		if err := applyConfigFile(&cfg, p); err != nil {
			return nil, err
		}
	}

	// Flags take precedence over both the config file and the defaults.
	if *dh != "" {
		cfg.DH = *dh
	}
	if *rpc != "" {
		cfg.RPC = *rpc
	}
	if *ethLottery != "" {
		cfg.EthLottery = *ethLottery
	}
	if *stun != "" {
		cfg.STUN = *stun
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = uint16(*port)
	}
	if *path != "" {
		cfg.Path = *path
	}
	if *tls != "" {
		cfg.TLS = *tls
	}
	if *ovpnFile != "" {
		cfg.OVPNFile = *ovpnFile
	}
	if *ovpnUser != "" {
		cfg.OVPNUser = *ovpnUser
	}
	if *ovpnPass != "" {
		cfg.OVPNPass = *ovpnPass
	}

	if cfg.Host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: resolve hostname: %w", err)
		}
		cfg.Host = h
	}

	return &cfg, nil
}

// applyConfigFile parses simple "key = value" lines (boost::program_options'
// config-file grammar, minus sections), overwriting the built-in default of
// every key it recognizes; Load applies command-line flags afterward, so
// flags win.
func applyConfigFile(cfg *ServerConfig, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "dh":
			cfg.DH = value
		case "rpc":
			cfg.RPC = value
		case "eth-lottery":
			cfg.EthLottery = value
		case "stun":
			cfg.STUN = value
		case "host":
			cfg.Host = value
		case "port":
			p, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return fmt.Errorf("config: %s: invalid port %q: %w", path, value, err)
			}
			cfg.Port = uint16(p)
		case "path":
			cfg.Path = value
		case "tls":
			cfg.TLS = value
		case "ovpn-file":
			cfg.OVPNFile = value
		case "ovpn-user":
			cfg.OVPNUser = value
		case "ovpn-pass":
			cfg.OVPNPass = value
		}
	}
	return scanner.Err()
}
