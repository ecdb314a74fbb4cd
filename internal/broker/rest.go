package broker

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/toolbroker/toolbroker/internal/apperror"
	"github.com/toolbroker/toolbroker/internal/store"
)

// validateTransport enforces spec.md §3's per-kind shape: a stdio server
// needs a command to exec, an sse/http_stream server needs a syntactically
// valid URL to dial. Caught here so a malformed row never persists — the
// only other check, mcpclient.buildTransport's presence check, only runs
// for enabled servers and merely logs on failure.
func validateTransport(kind store.ServerKind, command, rawURL string) error {
	switch kind {
	case store.KindStdio:
		if command == "" {
			return apperror.New(apperror.Validation, "command is required for a stdio server")
		}
	case store.KindSSE, store.KindHTTPStream:
		if rawURL == "" {
			return apperror.New(apperror.Validation, "url is required for an sse/http_stream server")
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return apperror.Wrap(apperror.Validation, err, "url is not a valid absolute URL")
		}
	default:
		return apperror.Newf(apperror.Validation, "unknown server type %q", kind)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error": apperror.KindOf(err),
		"message": err.Error(),
	})
}

func (b *Broker) handleListServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ServerFilter{}
	if enabled := q.Get("enabled"); enabled != "" {
		v := enabled == "true"
		filter.Enabled = &v
	}
	if serverType := q.Get("server_type"); serverType != "" {
		filter.ServerType = store.ServerKind(serverType)
	}

	page := store.Page{Page: 1, Limit: 20}
	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		page.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		page.Limit = l
	}

	includeTools := q.Get("include_tools") == "true"

	cfgs, pageResult, err := b.servers.ListServers(filter, page)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]ServerView, len(cfgs))
	for i, cfg := range cfgs {
		views[i] = toServerView(cfg)
		if includeTools {
			views[i].Tools = b.toolViewsFor(cfg.Name)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": views,
		"pagination": map[string]any{
			"page":       pageResult.Page,
			"limit":      pageResult.Limit,
			"total":      pageResult.Total,
			"totalPages": pageResult.TotalPages,
		},
	})
}

func (b *Broker) toolViewsFor(serverName string) []ToolView {
	if b.tools == nil {
		return nil
	}
	records, err := b.tools.ListToolsByServerName(serverName, b.cfg.ModelName)
	if err != nil {
		b.log.Warn("list tools for server failed", "server", serverName, "error", err)
		return nil
	}
	views := make([]ToolView, len(records))
	for i, rec := range records {
		_, toolName, _ := strings.Cut(rec.DisplayName, "__")
		views[i] = ToolView{
			ToolName:    rec.DisplayName,
			DisplayName: toolName,
			ToolMD5:     rec.ToolMD5,
			Description: rec.Description,
			CreatedAt:   rec.CreatedAt,
		}
	}
	return views
}

func (b *Broker) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := b.servers.GetServer(id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := toServerView(cfg)
	if r.URL.Query().Get("include_tools") == "true" {
		view.Tools = b.toolViewsFor(cfg.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": view})
}

func (b *Broker) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var body ServerCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperror.Wrap(apperror.Validation, err, "decode request body"))
		return
	}
	if body.Name == "" {
		writeError(w, apperror.New(apperror.Validation, "name is required"))
		return
	}
	if err := validateTransport(body.Type, body.Command, body.URL); err != nil {
		writeError(w, err)
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	created, err := b.servers.CreateServer(r.Context(), store.ServerConfig{
		Name:        body.Name,
		Kind:        body.Type,
		URL:         body.URL,
		Command:     body.Command,
		Args:        body.Args,
		Headers:     body.Headers,
		Env:         body.Env,
		Description: body.Description,
		Enabled:     enabled,
	}, body.Strict)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": toServerView(created)})
}

func (b *Broker) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := b.servers.GetServer(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body ServerPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperror.Wrap(apperror.Validation, err, "decode request body"))
		return
	}

	updated := existing
	if body.Name != "" {
		updated.Name = body.Name
	}
	if body.Type != "" {
		updated.Kind = body.Type
	}
	if body.URL != "" {
		updated.URL = body.URL
	}
	if body.Command != "" {
		updated.Command = body.Command
	}
	if body.Args != nil {
		updated.Args = body.Args
	}
	if body.Headers != nil {
		updated.Headers = body.Headers
	}
	if body.Env != nil {
		updated.Env = body.Env
	}
	if body.Description != "" {
		updated.Description = body.Description
	}
	if body.Enabled != nil {
		updated.Enabled = *body.Enabled
	}

	if err := validateTransport(updated.Kind, updated.Command, updated.URL); err != nil {
		writeError(w, err)
		return
	}

	result, err := b.servers.UpdateServer(r.Context(), updated)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": toServerView(result)})
}

func (b *Broker) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := b.servers.DeleteServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted_id":          deleted.ID,
		"deleted_server_name": deleted.Name,
	})
}
