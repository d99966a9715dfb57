// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingress accepts inbound deliveries from the mail-transport
// service over HTTP and enqueues them for the worker. The transport
// expects a fast answer, so the handler validates the envelope, pushes
// the job, and responds 202 without waiting for processing.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/threadwell/mailroom/internal/models"
)

// Publisher enqueues inbound jobs.
type Publisher interface {
	Publish(ctx context.Context, job models.InboundJob) error
}

// Handler processes delivery POSTs from the mail-transport service.
type Handler struct {
	publisher Publisher
}

// NewHandler creates a delivery handler.
func NewHandler(publisher Publisher) *Handler {
	return &Handler{publisher: publisher}
}

// ServeDelivery handles one delivery POST. The body is the job envelope:
// rawMessage plus routing params. Malformed envelopes get 400; transport
// retries on anything else.
func (h *Handler) ServeDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var job models.InboundJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		slog.Warn("rejected undecodable delivery", "error", err)
		http.Error(w, "invalid job envelope", http.StatusBadRequest)
		return
	}

	if !strings.Contains(job.RawMessage.RcptTo, "@") {
		slog.Warn("rejected delivery without recipient address",
			"rcpt_to", job.RawMessage.RcptTo,
			"message_id", job.RawMessage.ID,
		)
		http.Error(w, "rcpt_to must be an address", http.StatusBadRequest)
		return
	}
	if job.RawMessage.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	if err := h.publisher.Publish(r.Context(), job); err != nil {
		slog.Error("failed to enqueue delivery",
			"message_id", job.RawMessage.ID,
			"error", err,
		)
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}

	// Respond immediately — processing happens in the worker.
	w.WriteHeader(http.StatusAccepted)
}

// Serve starts the ingress HTTP server. The returned channel closes once
// the listener is accepting connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/deliveries", handler.ServeDelivery)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind ingress port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("ingress server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("ingress server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("ingress server error", "error", err)
		}
	}()

	return ready, nil
}
