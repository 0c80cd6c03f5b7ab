// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ddalab runs the DDA results service and its snapshot tooling.
//
// Usage:
//
//	ddalab serve
//	ddalab serve --config ~/.ddalab/ddalab.yaml --port 9090
//	ddalab snapshot inspect session.ddalab
//	ddalab snapshot import session.ddalab
//	ddalab snapshot export --source-file /data/patient01.edf -o session.ddalab
//	ddalab version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
