// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

// Notification is the human-facing message for a finished run.
type Notification struct {
	RunID   uint64
	Overall domain.Overall
	Subject string
	Body    string
}

// Notifier delivers run notifications. The transport (mail, chat) lives
// behind the implementation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	level := slog.LevelInfo
	if msg.Overall.ExitCode() != 0 {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, msg.Subject, "run_id", msg.RunID, "overall", msg.Overall, "body", msg.Body)
	return nil
}

// MockNotifier records notifications for tests.
type MockNotifier struct {
	NotifyFunc func(ctx context.Context, n Notification) error

	mu   sync.Mutex
	Sent []Notification
}

// Notify implements Notifier.
func (m *MockNotifier) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, n)
	m.mu.Unlock()
	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, n)
	}
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*MockNotifier)(nil)
)
