package proxy

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ki2pixel/kimi-proxy/internal/compaction"
	"github.com/ki2pixel/kimi-proxy/internal/hub"
	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleModels implements GET /models — spec.md §6's OpenAI-compatible
// model-discovery endpoint.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	entries := g.router.ListModels()
	data := make([]map[string]any, len(entries))
	for i, e := range entries {
		data[i] = map[string]any{"id": e.ID, "object": "model", "owned_by": e.OwnedBy, "root": e.Root}
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// --- sessions ----------------------------------------------------------------

func (g *Gateway) handleListSessions(ctx *fasthttp.RequestCtx) {
	sessions, err := g.st.ListSessions(ctx)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	writeJSON(ctx, sessions)
}

type createSessionRequest struct {
	Name        string `json:"name"`
	ProviderKey string `json:"provider_key"`
	ModelKey    string `json:"model_key"`
}

func (g *Gateway) handleCreateSession(ctx *fasthttp.RequestCtx) {
	var req createSessionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	maxContext, _ := g.router.MaxContextForModel(req.ModelKey)
	if maxContext == 0 {
		maxContext, _ = g.router.MaxContextFloorForProvider(req.ProviderKey)
	}
	sess := &store.Session{
		Name: req.Name, ProviderKey: req.ProviderKey, ModelKey: req.ModelKey,
		MaxContext: maxContext, AutoCompact: true, AutoThreshold: 0,
	}
	id, err := g.st.CreateSession(ctx, sess)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	sess.ID = id
	if g.h != nil {
		g.h.Broadcast(hub.EventSessionCreated, sess)
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, sess)
}

func (g *Gateway) handleSelectSession(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := g.st.SetActiveSession(ctx, id); err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	sess, err := g.st.GetSession(ctx, id)
	if err == nil && g.h != nil {
		g.h.Broadcast(hub.EventSessionUpdated, sess)
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleSessionMetrics(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	limit := 0
	if s := string(ctx.QueryArgs().Peek("limit")); s != "" {
		limit, _ = strconv.Atoi(s)
	}
	metrics, err := g.st.SessionMetrics(ctx, id, limit)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	writeJSON(ctx, metrics)
}

// handleExportSession implements the "export session as CSV or JSON" surface
// named by spec.md §6 — format is chosen via ?format=csv|json, default json.
func (g *Gateway) handleExportSession(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	metrics, err := g.st.SessionMetrics(ctx, id, 0)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	if strings.EqualFold(string(ctx.QueryArgs().Peek("format")), "csv") {
		ctx.SetContentType("text/csv")
		w := csv.NewWriter(ctx)
		w.Write([]string{"timestamp", "prompt_tokens", "completion_tokens", "is_estimated", "finish_reason"}) //nolint:errcheck
		for _, m := range metrics {
			w.Write([]string{ //nolint:errcheck
				m.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
				strconv.Itoa(m.PromptTokens),
				strconv.Itoa(m.CompletionTokens),
				strconv.FormatBool(m.IsEstimated),
				m.FinishReason,
			})
		}
		w.Flush()
		return
	}
	writeJSON(ctx, metrics)
}

func (g *Gateway) handleGetAutoCompact(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	sess, err := g.st.GetSession(ctx, id)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	writeJSON(ctx, map[string]any{"auto_compact": sess.AutoCompact, "auto_threshold": sess.AutoThreshold})
}

func (g *Gateway) handleToggleAutoCompact(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	enabled, err := g.st.ToggleAutoCompact(ctx, id)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	if g.h != nil {
		g.h.Broadcast(hub.EventAutoSessionToggled, map[string]any{"session_id": id, "enabled": enabled})
	}
	writeJSON(ctx, map[string]any{"auto_compact": enabled})
}

// --- compaction --------------------------------------------------------------

type compactionRequest struct {
	Messages []inboundMessage `json:"messages"`
	Model    string           `json:"model"`
	Reserved int              `json:"reserved"`
}

func (req compactionRequest) toProviderMessages() []providers.Message {
	out := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func (g *Gateway) handleCompactionPreview(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	sess, err := g.st.GetSession(ctx, id)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	var req compactionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	result, err := g.compactor.Preview(ctx, req.Model, req.toProviderMessages(), sess.MaxContext, req.Reserved)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, result)
}

func (g *Gateway) handleCompactionExecute(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	sess, err := g.st.GetSession(ctx, id)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	var req compactionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	result, err := g.compactor.Compact(ctx, id, req.Model, req.toProviderMessages(), sess.MaxContext, req.Reserved)
	if err != nil {
		if errors.Is(err, compaction.ErrInsufficientReduction) {
			apierr.WriteKind(ctx, apierr.KindCompactionNoGain, err.Error(), "")
		} else {
			apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		}
		return
	}
	if g.h != nil {
		g.h.Broadcast(hub.EventCompactionDone, map[string]any{
			"session_id":    id,
			"tokens_before": result.TokensBefore,
			"tokens_after":  result.TokensAfter,
		})
	}
	g.recordCompactionMemory(ctx, id, result)
	writeJSON(ctx, result)
}

// recordCompactionMemory files the dropped-context reduction as a recallable
// fact — the one low-risk place this gateway generates a memory entry on its
// own, since the spec treats semantic-memory detection as a boundary
// concern and leaves "created by detection" otherwise unspecified. Storage
// failures here are logged, not surfaced — losing a memory entry must never
// fail the compaction request that produced it.
func (g *Gateway) recordCompactionMemory(ctx *fasthttp.RequestCtx, sessionID int64, result *compaction.Result) {
	content := fmt.Sprintf("Session %d compacted: %d -> %d tokens", sessionID, result.TokensBefore, result.TokensAfter)
	existing, err := g.st.ListMemoryEntries(ctx, sessionID)
	if err != nil {
		return
	}
	kind := store.MemoryKindEpisodic
	if g.memClassifier != nil {
		kind = g.memClassifier.Classify(ctx, content, existing)
	}
	entry := &store.MemoryEntry{SessionID: sessionID, Kind: kind, Content: content, TokenCount: result.TokensAfter}
	if _, err := g.st.PutMemoryEntry(ctx, entry); err != nil {
		g.log.Warn("memory entry write failed", slog.String("error", err.Error()))
		return
	}
	if g.h != nil {
		g.h.Broadcast(hub.EventMemoryUpdated, entry)
	}
}

// --- masked blobs --------------------------------------------------------------

func (g *Gateway) handleGetMaskedBlob(ctx *fasthttp.RequestCtx) {
	hash, _ := ctx.UserValue("hash").(string)
	blob, err := g.st.GetMaskedBlob(ctx, hash)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "masked blob not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, blob)
}

func (g *Gateway) handlePutMaskedBlob(ctx *fasthttp.RequestCtx) {
	var blob store.MaskedBlob
	if err := json.Unmarshal(ctx.PostBody(), &blob); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := g.st.PutMaskedBlob(ctx, &blob); err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// --- memory --------------------------------------------------------------------

func (g *Gateway) handleListMemoryEntries(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid session id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	entries, err := g.st.ListMemoryEntries(ctx, id)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindStorageError, err.Error(), "")
		return
	}
	writeJSON(ctx, entries)
}

// --- MCP gateway -----------------------------------------------------------------

func (g *Gateway) handleMCPGatewayRPC(ctx *fasthttp.RequestCtx) {
	if g.mcp == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "mcp gateway not configured", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	serverName, _ := ctx.UserValue("server").(string)
	status, body := g.mcp.Forward(ctx, serverName, ctx.PostBody())
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (g *Gateway) handleMCPPeers(ctx *fasthttp.RequestCtx) {
	if g.mcp == nil {
		writeJSON(ctx, []string{})
		return
	}
	writeJSON(ctx, g.mcp.ListPeers())
}

// pathInt parses a fasthttp/router path parameter as an int64 session id.
func pathInt(ctx *fasthttp.RequestCtx, name string) (int64, bool) {
	raw, _ := ctx.UserValue(name).(string)
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil
}
