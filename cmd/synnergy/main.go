package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cmdconfig "synnergy-network/cmd/config"
	"synnergy-network/core"
	pkgconfig "synnergy-network/pkg/config"
)

const defaultAdminAddr = "127.0.0.1:8645"

func main() {
	rootCmd := &cobra.Command{Use: "synnergy"}
	rootCmd.AddCommand(syncCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func syncCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{Use: "sync", Short: "run and inspect the peer-to-peer block listener"}
	cmd.PersistentFlags().StringVar(&adminAddr, "admin", defaultAdminAddr, "address of the listener's status/peers admin surface")
	cmd.AddCommand(syncStartCmd(&adminAddr))
	cmd.AddCommand(syncStatusCmd(&adminAddr))
	cmd.AddCommand(syncPeersCmd(&adminAddr))
	return cmd
}

func syncStartCmd(adminAddr *string) *cobra.Command {
	var envName string
	start := &cobra.Command{
		Use:   "start",
		Short: "bind the listener, dial bootstrap peers, and stream blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Bootstrapping config failure is unrecoverable for a CLI
			// invocation, so LoadConfig panics rather than returning an
			// error, matching this codebase's CLI init convention.
			cmdconfig.LoadConfig(envName)
			cfg := &cmdconfig.AppConfig

			log := logrus.New()
			coreCfg, err := buildListenerConfig(cfg)
			if err != nil {
				return err
			}
			coreCfg.Logger = log
			coreCfg.AdminAddr = *adminAddr
			coreCfg.OnKeyBlock = func(h *core.IdentifiedKeyBlockHeader) {
				log.WithField("height", h.Height).WithField("root_hash", h.RootHash).Info("key block")
			}
			coreCfg.OnTxs = func(txs []core.SignedTxEnvelope) {
				log.WithField("count", len(txs)).Info("transactions")
			}
			listener := core.NewListener(coreCfg)

			ctx, cancel := context.WithCancel(cmd.Context())
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigs
				cancel()
			}()
			defer cancel()

			return listener.Start(ctx)
		},
	}
	start.Flags().StringVar(&envName, "env", "", "configuration environment overlay (e.g. production)")
	return start
}

// syncStatusCmd and syncPeersCmd are thin clients over the admin HTTP
// surface a running `sync start` exposes; they hold no state of their own.
func syncStatusCmd(adminAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report dispatch counters and peer count for a running listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snapshot core.StatsSnapshot
			if err := fetchAdminJSON(*adminAddr, "/status", &snapshot); err != nil {
				return err
			}
			fmt.Printf("peers: %d\n", snapshot.PeerCount)
			if snapshot.LastError != "" {
				fmt.Printf("last error: %s\n", snapshot.LastError)
			}
			for msgType, count := range snapshot.Dispatched {
				fmt.Printf("%-14s %d\n", msgType, count)
			}
			return nil
		},
	}
}

func syncPeersCmd(adminAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "list the peers a running listener currently knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			var peers []struct {
				PubKey string `json:"pubkey"`
				Host   string `json:"host"`
				Port   uint16 `json:"port"`
			}
			if err := fetchAdminJSON(*adminAddr, "/peers", &peers); err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Printf("%s %s:%d\n", p.PubKey, p.Host, p.Port)
			}
			return nil
		},
	}
}

func fetchAdminJSON(adminAddr, path string, out interface{}) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + adminAddr + path)
	if err != nil {
		return fmt.Errorf("admin request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin request %s: status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func buildListenerConfig(cfg *pkgconfig.Config) (core.Config, error) {
	network := core.Network(cfg.Network.NodeNetwork)
	if network == "" {
		network = core.NetworkTestnet
	}

	seed, err := hex.DecodeString(cfg.Network.NodeSeedHex)
	if err != nil {
		return core.Config{}, fmt.Errorf("decode network.node_seed: %w", err)
	}
	keypair, err := core.StaticKeypairFromEd25519Seed(seed)
	if err != nil {
		return core.Config{}, fmt.Errorf("derive noise keypair: %w", err)
	}

	peers, err := parseBootstrapPeers(cfg.Network.BootstrapPeers)
	if err != nil {
		return core.Config{}, fmt.Errorf("parse network.bootstrap_peers: %w", err)
	}

	return core.Config{
		Port:         cfg.Network.P2PPort,
		Network:      network,
		LocalKeypair: keypair,
		InitialPeers: peers,
	}, nil
}

// parseBootstrapPeers accepts "<64-hex-char pubkey>@host:port" entries, the
// same shape network.bootstrap_peers carries in the config file.
func parseBootstrapPeers(entries []string) ([]core.PeerAddr, error) {
	out := make([]core.PeerAddr, 0, len(entries))
	for _, entry := range entries {
		at := strings.IndexByte(entry, '@')
		if at < 0 {
			return nil, fmt.Errorf("peer %q: expected <pubkey>@host:port", entry)
		}
		pubHex, hostport := entry[:at], entry[at+1:]
		pubBytes, err := hex.DecodeString(pubHex)
		if err != nil || len(pubBytes) != 32 {
			return nil, fmt.Errorf("peer %q: pubkey must be 64 hex chars", entry)
		}
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", entry, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("peer %q: bad port: %w", entry, err)
		}
		var pubkey [32]byte
		copy(pubkey[:], pubBytes)
		out = append(out, core.PeerAddr{PubKey: pubkey, Host: net.ParseIP(host), Port: uint16(port)})
	}
	return out, nil
}
