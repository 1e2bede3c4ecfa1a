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
Package runtime drives the container runtime used to build, run and tear
down the service under deployment.

Two drivers implement Runtime:

  - CLIRuntime shells out to docker or podman through process.Runner.
  - EngineRuntime talks to the Docker Engine API with the Docker SDK and
    delegates compose projects to a CLIRuntime.

Select one with the runtime.driver config key ("cli" or "engine").
Operations on missing entities return errors wrapping ErrNotFound.
*/
package runtime
