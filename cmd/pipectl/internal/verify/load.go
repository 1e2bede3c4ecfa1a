// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxLoadErrors caps the distinct errors kept per path.
const maxLoadErrors = 5

// LoadResult summarizes the concurrent requests sent to one path.
type LoadResult struct {
	Path       string        `json:"path"`
	Requests   int           `json:"requests"`
	Failures   int           `json:"failures"`
	MaxLatency time.Duration `json:"max_latency"`
	Errors     []string      `json:"errors,omitempty"`
}

type loadPath struct {
	path  string
	url   string
	count int
}

// loadBatch fires every request of every path at once and joins them all.
// A request failure never cancels its siblings.
func (s *Stage) loadBatch(ctx context.Context, paths []loadPath) []LoadResult {
	results := make([]LoadResult, len(paths))
	var mu sync.Mutex

	var limiter *rate.Limiter
	if s.config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.RatePerSecond), 1)
	}
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i, p := range paths {
		results[i] = LoadResult{Path: p.path, Requests: p.count}
		for n := 0; n < p.count; n++ {
			g.Go(func() error {
				if limiter != nil {
					_ = limiter.Wait(detached)
				}
				res, _ := s.do(ctx, "load", http.MethodGet, p.url, nil)

				mu.Lock()
				defer mu.Unlock()
				r := &results[i]
				if res.Duration > r.MaxLatency {
					r.MaxLatency = res.Duration
				}
				if !res.Passed {
					r.Failures++
					if len(r.Errors) < maxLoadErrors {
						r.Errors = append(r.Errors, res.Error)
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, r := range results {
		s.logger.Debug("load path complete", "path", r.Path, "requests", r.Requests, "failures", r.Failures, "max_latency", r.MaxLatency)
	}
	return results
}
