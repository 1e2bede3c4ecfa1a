// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promotion

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

// webhookServiceName names the approval server's spans.
const webhookServiceName = "pipectl-approvals"

// ErrorResponse is the webhook's error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// DecisionRequest is the optional body of an approve/decline call.
type DecisionRequest struct {
	By     string `json:"by,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WebhookApprover serves approval endpoints for the duration of Await.
//
// # Description
//
// Routes:
//
//	GET  /approvals/:run          pending run, if it is :run
//	POST /approvals/:run/approve
//	POST /approvals/:run/decline
//
// Every route requires "Authorization: Bearer <token>" when a token is set.
// A decision for a run other than the pending one gets 404. Requests are
// traced through otelgin.
//
// # Security
//
// The token is held in a memguard LockedBuffer: mlocked, guarded and wiped
// by Close. Call Close when the pipeline run ends.
type WebhookApprover struct {
	Addr   string
	logger *slog.Logger

	mu       sync.Mutex
	token    *memguard.LockedBuffer
	pending  *Request
	decision chan Approval

	// tracerProvider is nil for the global provider.
	tracerProvider trace.TracerProvider

	// listen is replaceable for tests.
	listen func(network, addr string) (net.Listener, error)
	bound  chan string
}

// NewWebhookApprover creates an approver listening on addr.
func NewWebhookApprover(addr, token string, logger *slog.Logger) *WebhookApprover {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebhookApprover{
		Addr:   addr,
		logger: logger.With("approver", "webhook"),
		listen: net.Listen,
		bound:  make(chan string, 1),
	}
	if token != "" {
		// NewBufferFromBytes wipes its source.
		w.token = memguard.NewBufferFromBytes([]byte(token))
	}
	return w
}

// WithTracerProvider records request spans through tp instead of the
// global provider.
func (w *WebhookApprover) WithTracerProvider(tp trace.TracerProvider) *WebhookApprover {
	w.tracerProvider = tp
	return w
}

// Close destroys the token. Afterwards every authenticated request is
// rejected.
func (w *WebhookApprover) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token != nil {
		w.token.Destroy()
	}
	return nil
}

// Name implements Approver.
func (w *WebhookApprover) Name() string { return "webhook" }

// Router builds the gin engine. Exposed for tests.
func (w *WebhookApprover) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(webhookServiceName, otelgin.WithTracerProvider(w.tracerProvider)))

	g := router.Group("/approvals", w.authorize)
	g.GET("/:run", w.handleStatus)
	g.POST("/:run/approve", w.handleDecision(DecisionApproved))
	g.POST("/:run/decline", w.handleDecision(DecisionDeclined))
	return router
}

// Await implements Approver.
func (w *WebhookApprover) Await(ctx context.Context, req Request) (Approval, error) {
	ch := make(chan Approval, 1)
	w.mu.Lock()
	w.pending = &req
	w.decision = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.pending = nil
		w.decision = nil
		w.mu.Unlock()
	}()

	ln, err := w.listen("tcp", w.Addr)
	if err != nil {
		return Approval{}, fmt.Errorf("listen %s: %w", w.Addr, err)
	}
	srv := &http.Server{Handler: w.Router(), ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case w.bound <- ln.Addr().String():
	default:
	}
	w.logger.Info("waiting for approval webhook", "run_id", req.RunID, "addr", ln.Addr().String())

	select {
	case a := <-ch:
		return a, nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Approval{}, fmt.Errorf("approval server stopped: %w", err)
	case <-ctx.Done():
		return Approval{}, ctx.Err()
	}
}

func (w *WebhookApprover) authorize(c *gin.Context) {
	if w.token == nil {
		c.Next()
		return
	}
	got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || !w.tokenMatches(got) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid or missing bearer token", Code: "UNAUTHORIZED"})
		return
	}
	c.Next()
}

// tokenMatches compares in constant time. A destroyed token matches nothing.
func (w *WebhookApprover) tokenMatches(got string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.token.IsAlive() {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), w.token.Bytes()) == 1
}

func (w *WebhookApprover) handleStatus(c *gin.Context) {
	req, ok := w.match(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": req.RunID, "ref": req.Ref, "image": req.Image, "status": "pending"})
}

func (w *WebhookApprover) handleDecision(d Decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := w.match(c); !ok {
			return
		}
		var body DecisionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_BODY"})
				return
			}
		}
		by := body.By
		if by == "" {
			by = "webhook:" + c.ClientIP()
		}
		a := Approval{Decision: d, By: by, Reason: body.Reason, At: time.Now()}

		w.mu.Lock()
		ch := w.decision
		w.mu.Unlock()

		select {
		case ch <- a:
			w.logger.Info("approval received", "decision", d, "by", by)
			c.JSON(http.StatusOK, gin.H{"decision": d})
		default:
			c.JSON(http.StatusConflict, ErrorResponse{Error: "decision already recorded", Code: "ALREADY_DECIDED"})
		}
	}
}

// match resolves :run against the pending request and writes 400/404.
func (w *WebhookApprover) match(c *gin.Context) (Request, bool) {
	id, err := strconv.ParseUint(c.Param("run"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "run id must be a number", Code: "INVALID_RUN"})
		return Request{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil || w.pending.RunID != id || w.decision == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("run %d is not awaiting approval", id), Code: "NOT_PENDING"})
		return Request{}, false
	}
	return *w.pending, true
}

// SendDecision calls a running webhook approver. baseURL is e.g.
// "http://localhost:8099".
func SendDecision(ctx context.Context, client *http.Client, baseURL, token string, runID uint64, d Decision, body DecisionRequest) error {
	verb := "approve"
	switch d {
	case DecisionApproved:
	case DecisionDeclined:
		verb = "decline"
	default:
		return ErrUnknownDecision
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/approvals/%d/%s", strings.TrimRight(baseURL, "/"), runID, verb)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send decision: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("approver returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("approver returned %d", resp.StatusCode)
	}
	return nil
}

var (
	_ Approver  = (*WebhookApprover)(nil)
	_ io.Closer = (*WebhookApprover)(nil)
)
