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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file suffixes.
const (
	approvedSuffix = ".approved"
	declinedSuffix = ".declined"
)

// FileApprover waits for "<dir>/<runID>.approved" or "<dir>/<runID>.declined".
//
// # Description
//
// The directory is watched with fsnotify. Files already present when Await
// starts are honored. The file body, if any, is "by\nreason".
//
// # Limitations
//
//   - Network filesystems may not deliver events; the directory is also
//     re-scanned every PollInterval.
type FileApprover struct {
	Dir          string
	PollInterval time.Duration
	logger       *slog.Logger
}

// NewFileApprover creates a FileApprover over dir.
func NewFileApprover(dir string, logger *slog.Logger) *FileApprover {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileApprover{Dir: dir, PollInterval: 5 * time.Second, logger: logger.With("approver", "file")}
}

// Name implements Approver.
func (f *FileApprover) Name() string { return "file" }

// Await implements Approver.
func (f *FileApprover) Await(ctx context.Context, req Request) (Approval, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return Approval{}, fmt.Errorf("create approvals dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Approval{}, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.Dir); err != nil {
		return Approval{}, fmt.Errorf("watch %s: %w", f.Dir, err)
	}

	// after Add, so a file created in between is seen by one or the other
	if a, ok := f.scan(req.RunID); ok {
		return a, nil
	}

	f.logger.Info("waiting for approval file",
		"run_id", req.RunID,
		"approve", SignalPath(f.Dir, req.RunID, DecisionApproved),
		"decline", SignalPath(f.Dir, req.RunID, DecisionDeclined))

	poll := time.NewTicker(f.PollInterval)
	defer poll.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return Approval{}, errors.New("watcher closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if a, ok := f.read(event.Name, req.RunID); ok {
				return a, nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return Approval{}, errors.New("watcher closed")
			}
			f.logger.Warn("approval watcher error", "error", err)

		case <-poll.C:
			if a, ok := f.scan(req.RunID); ok {
				return a, nil
			}

		case <-ctx.Done():
			return Approval{}, ctx.Err()
		}
	}
}

func (f *FileApprover) scan(runID uint64) (Approval, bool) {
	for _, d := range []Decision{DecisionDeclined, DecisionApproved} {
		if a, ok := f.read(SignalPath(f.Dir, runID, d), runID); ok {
			return a, true
		}
	}
	return Approval{}, false
}

// read parses a signal file for runID. Other files are ignored.
func (f *FileApprover) read(path string, runID uint64) (Approval, bool) {
	base := filepath.Base(path)
	prefix := strconv.FormatUint(runID, 10)

	var decision Decision
	switch base {
	case prefix + approvedSuffix:
		decision = DecisionApproved
	case prefix + declinedSuffix:
		decision = DecisionDeclined
	default:
		return Approval{}, false
	}

	info, err := os.Stat(path)
	if err != nil {
		return Approval{}, false
	}
	a := Approval{Decision: decision, By: "file", At: info.ModTime()}

	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		by, reason, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
		if by != "" {
			a.By = by
		}
		a.Reason = strings.TrimSpace(reason)
	}
	return a, true
}

// SignalPath is the file whose creation signals decision for runID.
func SignalPath(dir string, runID uint64, decision Decision) string {
	suffix := approvedSuffix
	if decision == DecisionDeclined {
		suffix = declinedSuffix
	}
	return filepath.Join(dir, strconv.FormatUint(runID, 10)+suffix)
}

// WriteSignal records a decision for runID in dir. The file is written
// under a temporary name and renamed so watchers never see it half written.
func WriteSignal(dir string, runID uint64, decision Decision, by, reason string) (string, error) {
	if decision != DecisionApproved && decision != DecisionDeclined {
		return "", ErrUnknownDecision
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create approvals dir: %w", err)
	}
	path := SignalPath(dir, runID, decision)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(by+"\n"+reason+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write signal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish signal: %w", err)
	}
	return path, nil
}

var _ Approver = (*FileApprover)(nil)
