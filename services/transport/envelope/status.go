// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envelope

import (
	"strings"
	"unicode/utf8"
)

// statusCodes maps patient-facing status names to their one-letter wire code.
var statusCodes = map[string]string{
	"injured":  "i",
	"trapped":  "t",
	"medical":  "m",
	"evacuate": "e",
	"safe":     "s",
	"other":    "o",
}

// StatusCode returns the one-letter code for status.
//
// Unknown names use their first letter (a whole rune, so the code stays
// valid UTF-8), lower-cased; an empty or undecodable status maps to "o"
// (other).
func StatusCode(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if code, ok := statusCodes[s]; ok {
		return code
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return "o"
	}
	return string(r)
}

// StatusName is the inverse of StatusCode for known codes.
func StatusName(code string) string {
	for name, c := range statusCodes {
		if c == code {
			return name
		}
	}
	return "other"
}
