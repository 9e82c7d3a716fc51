package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// ─── OpenAI-compatible API (/v1/*) ──────────────────────────────────────────
// Mimics the OpenAI wire format so tools built for OpenAI-compatible
// providers can talk to the router out of the box. The "model" field routes
// explicitly; the sentinel "auto" (or empty) lets the router pick.

const autoModel = "auto"

func (s *Server) handleListModelsOpenAI(w http.ResponseWriter, _ *http.Request) {
	views := s.reg.List()
	data := make([]map[string]any, 0, len(views))
	for _, v := range views {
		data = append(data, map[string]any{
			"id":       v.Descriptor.ID,
			"object":   "model",
			"owned_by": string(v.Descriptor.Format),
			"created":  v.Metrics.LastUsedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream"`
	Stop        []string         `json:"stop,omitempty"`
	User        string           `json:"user,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.WrapErr(domain.KindValidation, "invalid request body", err))
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, domain.E(domain.KindValidation, "messages is required"))
		return
	}

	opts := domain.DefaultOptions().Apply(domain.OptionOverrides{
		Temperature: body.Temperature,
		TopP:        body.TopP,
		MaxTokens:   body.MaxTokens,
		StopStrings: body.Stop,
	})
	opts.Stream = body.Stream

	req := domain.Request{
		Messages:    body.Messages,
		Options:     opts,
		RequesterID: body.User,
	}
	if body.Model != "" && body.Model != autoModel {
		req.Strategy = domain.StrategyExplicit
		req.ModelID = body.Model
	}

	completionID := "chatcmpl-" + uuid.New().String()[:8]
	if body.Stream {
		s.streamChatResponse(w, r, req, completionID)
	} else {
		s.chatResponse(w, r, req, completionID)
	}
}

func (s *Server) chatResponse(w http.ResponseWriter, r *http.Request, req domain.Request, completionID string) {
	res, err := s.pipe.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   res.ModelID,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": res.Text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     res.Usage.PromptTokens,
			"completion_tokens": res.Usage.CompletionTokens,
			"total_tokens":      res.Usage.TotalTokens,
		},
	})
}

func (s *Server) streamChatResponse(w http.ResponseWriter, r *http.Request, req domain.Request, completionID string) {
	ch, modelID, err := s.pipe.ExecuteStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.log.Warn().Msg("response writer does not support flushing")
		return
	}
	writer := bufio.NewWriter(w)

	send := func(delta string, finish any) {
		chunk := map[string]any{
			"id":      completionID,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   modelID,
			"choices": []map[string]any{
				{
					"index":         0,
					"delta":         map[string]any{"content": delta},
					"finish_reason": finish,
				},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(writer, "data: %s\n\n", data)
		writer.Flush()
		flusher.Flush()
	}

	for chunk := range ch {
		if chunk.Delta != "" {
			send(chunk.Delta, nil)
		}
	}
	send("", "stop")
	fmt.Fprintf(writer, "data: [DONE]\n\n")
	writer.Flush()
	flusher.Flush()
}
