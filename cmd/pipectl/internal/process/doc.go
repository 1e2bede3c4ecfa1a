// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process abstracts external command execution for the pipeline.

# Overview

Every external collaborator the pipeline shells out to (build tool, image
builder, container CLI, lsof, kill) goes through Runner. A Runner never
turns a non-zero exit status into an error: the exit code is reported in
Result and the caller decides whether it is fatal. Errors are reserved
for infrastructure problems (binary missing, timeout).

	runner := process.NewDefaultRunner(logger)
	res, err := runner.Run(ctx, process.Command{
	    Name:    "mvn",
	    Args:    []string{"-B", "package"},
	    Dir:     sourceDir,
	    Timeout: 10 * time.Minute,
	})
	if err != nil {
	    return err // could not run at all
	}
	if !res.Success() {
	    return res.Err() // *CommandError with stderr
	}

For testing, use MockRunner:

	mock := &process.MockRunner{
	    RunFunc: func(ctx context.Context, cmd process.Command) (*process.Result, error) {
	        return &process.Result{ExitCode: 0, Stdout: "ok"}, nil
	    },
	}

# Thread Safety

DefaultRunner and MockRunner are safe for concurrent use.
*/
package process
