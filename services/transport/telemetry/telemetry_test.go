// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetQueuePending(t *testing.T) {
	SetQueuePending(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(queuePending))
	SetQueuePending(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(queuePending))
}

func TestRecordVerdict(t *testing.T) {
	before := testutil.ToFloat64(reconcileVerdicts.WithLabelValues("duplicate"))
	RecordVerdict("duplicate")
	assert.Equal(t, before+1, testutil.ToFloat64(reconcileVerdicts.WithLabelValues("duplicate")))
}

func TestTracerAndMeterAreUsableWithoutSetup(t *testing.T) {
	assert.NotNil(t, Tracer())
	assert.NotNil(t, Meter())
}
