// Package mcpgateway implements spec.md §6's MCP gateway (egress):
// POST /api/mcp-gateway/{server-name}/rpc forwards a JSON-RPC 2.0 request
// verbatim to a configured local peer, preserving the request id, mapping
// transport failures onto the spec's fixed JSON-RPC error codes, and
// applying observation masking to the upstream's result/error.data.
package mcpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ki2pixel/kimi-proxy/internal/masking"
)

const (
	CodeUnknownServer  = -32001
	CodeUpstreamError  = -32002
	CodeInvalidUpstream = -32003
	CodeInternalError  = -32603
)

// PeerConfig is one configured MCP peer — a local JSON-RPC server the
// gateway forwards to.
type PeerConfig struct {
	Name    string
	Addr    string // full RPC endpoint URL
	Timeout time.Duration
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// Gateway forwards JSON-RPC requests to configured peers.
type Gateway struct {
	peers  map[string]PeerConfig
	masker *masking.Masker
	client *http.Client
}

func New(peers []PeerConfig, masker *masking.Masker) *Gateway {
	m := make(map[string]PeerConfig, len(peers))
	for _, p := range peers {
		m[p.Name] = p
	}
	if masker == nil {
		masker = masking.New(0, 0, 0)
	}
	return &Gateway{peers: m, masker: masker, client: &http.Client{}}
}

// ListPeers returns the configured peer names, for the management surface's
// "list MCP peers" operation.
func (g *Gateway) ListPeers() []string {
	names := make([]string, 0, len(g.peers))
	for name := range g.peers {
		names = append(names, name)
	}
	return names
}

// Forward implements the full egress behavior. It always returns a valid
// JSON-RPC response body and the HTTP status to report alongside it — even
// on failure, since the spec's error codes are JSON-RPC-level, not bare HTTP
// failures.
func (g *Gateway) Forward(ctx context.Context, serverName string, rawReq []byte) (httpStatus int, body []byte) {
	id := extractID(rawReq)

	peer, ok := g.peers[serverName]
	if !ok {
		return http.StatusNotFound, errorResponse(id, CodeUnknownServer, fmt.Sprintf("unknown MCP server: %s", serverName))
	}

	timeout := peer.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, peer.Addr, bytes.NewReader(rawReq))
	if err != nil {
		return http.StatusBadGateway, errorResponse(id, CodeInternalError, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return http.StatusBadGateway, errorResponse(id, CodeUpstreamError, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return http.StatusBadGateway, errorResponse(id, CodeInternalError, err.Error())
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return http.StatusBadGateway, errorResponse(id, CodeInvalidUpstream, "upstream did not return valid JSON-RPC")
	}

	decoded.JSONRPC = "2.0"
	decoded.ID = id
	if decoded.Result != nil {
		decoded.Result = g.masker.MaskValue(decoded.Result)
	}
	if decoded.Error != nil && decoded.Error.Data != nil {
		decoded.Error.Data = g.masker.MaskValue(decoded.Error.Data)
	}

	out, err := json.Marshal(decoded)
	if err != nil {
		return http.StatusBadGateway, errorResponse(id, CodeInternalError, err.Error())
	}
	return http.StatusOK, out
}

func extractID(rawReq []byte) any {
	var peek struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(rawReq, &peek)
	return peek.ID
}

func errorResponse(id any, code int, message string) []byte {
	out, err := json.Marshal(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
	if err != nil {
		// Marshaling a fixed, known-safe shape should never fail; fall back to
		// a hand-built literal rather than propagate the error further.
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":%q}}`, code, message))
	}
	return out
}
