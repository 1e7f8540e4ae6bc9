package nodeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/types"
)

const probeTimeout = 2 * time.Second

// DiscoverOptions controls endpoint probing.
type DiscoverOptions struct {
	// DefaultPort is tried on loopback for file-tailed nodes, and on the
	// forwarder host for network-tailed nodes.
	DefaultPort int

	// AllowRemote permits probing non-loopback hosts. Off by default: the
	// admin API is unauthenticated, so reaching across the network is
	// opt-in.
	AllowRemote bool
}

// Discover returns the node's working admin API base URL, or "" when no
// candidate answered. An explicit api_endpoint on the node is authoritative
// and skips probing order, but is still verified once.
func Discover(ctx context.Context, node types.Node, opts DiscoverOptions) string {
	logger := log.WithSource("nodeapi", node.Name)

	for _, candidate := range candidates(node, opts) {
		if probe(ctx, candidate) {
			logger.Info().Str("endpoint", candidate).Msg("admin API discovered")
			return candidate
		}
		logger.Debug().Str("endpoint", candidate).Msg("admin API probe failed")
	}

	logger.Warn().Msg("no admin API endpoint reachable, API polling disabled")
	return ""
}

func candidates(node types.Node, opts DiscoverOptions) []string {
	if node.APIEndpoint != "" {
		return []string{normalizeEndpoint(node.APIEndpoint)}
	}

	port := strconv.Itoa(opts.DefaultPort)
	if node.IsNetwork() {
		host, _, err := net.SplitHostPort(node.Address)
		if err != nil {
			host = node.Address
		}
		if !opts.AllowRemote && !isLoopback(host) {
			return nil
		}
		return []string{fmt.Sprintf("http://%s", net.JoinHostPort(host, port))}
	}

	return []string{
		fmt.Sprintf("http://localhost:%s", port),
		fmt.Sprintf("http://127.0.0.1:%s", port),
	}
}

func normalizeEndpoint(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimRight(endpoint, "/")
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// probe checks that the endpoint answers /api/sno with a dashboard payload.
// Any HTTP 200 with a nodeID field counts; everything else is a miss.
func probe(ctx context.Context, endpoint string) bool {
	if _, err := url.Parse(endpoint); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/sno", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var payload struct {
		NodeID string `json:"nodeID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}
	return payload.NodeID != ""
}
