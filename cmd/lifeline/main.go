// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lifeline sends emergency signals online or, when the network is
// gone, as encrypted SMS, and reconciles everything queued offline once
// connectivity returns.
package main

import (
	"os"

	"github.com/AleutianAI/lifeline/services/transport/secrets"
)

func main() {
	err := rootCmd.Execute()
	secrets.Purge()
	if err != nil {
		os.Exit(1)
	}
}
