package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// ─── Native API (/api/*) ────────────────────────────────────────────────────
// The native surface exposes the full request model: strategy selection,
// option overrides, and registry management.

// generateRequest is the native generation request body.
type generateRequest struct {
	Prompt      string                 `json:"prompt,omitempty"`
	Messages    []domain.Message       `json:"messages,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Strategy    string                 `json:"strategy,omitempty"`
	RequesterID string                 `json:"requester_id,omitempty"`
	Options     domain.OptionOverrides `json:"options"`
}

func (g generateRequest) toDomain() domain.Request {
	req := domain.Request{
		Prompt:      g.Prompt,
		Messages:    g.Messages,
		Options:     domain.DefaultOptions().Apply(g.Options),
		RequesterID: g.RequesterID,
		Strategy:    domain.Strategy(g.Strategy),
	}
	if g.Model != "" {
		req.Strategy = domain.StrategyExplicit
		req.ModelID = g.Model
	}
	return req
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.WrapErr(domain.KindValidation, "invalid request body", err))
		return
	}
	res, err := s.pipe.Execute(r.Context(), body.toDomain())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStream emits newline-delimited chunk JSON over SSE.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.WrapErr(domain.KindValidation, "invalid request body", err))
		return
	}

	ch, modelID, err := s.pipe.ExecuteStream(r.Context(), body.toDomain())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Model-ID", modelID)
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.log.Warn().Msg("response writer does not support flushing")
		return
	}
	writer := bufio.NewWriter(w)

	for chunk := range ch {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(writer, "data: %s\n\n", data)
		writer.Flush()
		flusher.Flush()
	}
	fmt.Fprintf(writer, "data: [DONE]\n\n")
	writer.Flush()
	flusher.Flush()
}

// ─── Registry management ────────────────────────────────────────────────────

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	views := s.reg.List()

	// Optional filters
	if f := r.URL.Query().Get("format"); f != "" {
		views = s.reg.ByFormat(domain.Format(f))
	} else if c := r.URL.Query().Get("capability"); c != "" {
		views = s.reg.ByCapability(domain.Capability(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": views})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	v, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var d domain.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, domain.WrapErr(domain.KindValidation, "invalid descriptor", err))
		return
	}
	if err := s.reg.Register(d); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.reg.Get(d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Unregister(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Load(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Unload(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unloaded": true})
}
