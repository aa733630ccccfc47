// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"time"
)

const (
	StagePush  = "push"
	StagePull  = "pull"
	StageApply = "apply"
	StageClean = "clean"
	StageTotal = "total"
)

type StageTiming struct {
	Stage    string
	Duration time.Duration
	Count    int
	Error    bool
}

type StageRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (o *Orchestrator) observeStage(ctx context.Context, stage string, start time.Time, count int, err error) {
	timing := StageTiming{
		Stage:    stage,
		Duration: time.Since(start),
		Count:    count,
		Error:    err != nil,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	o.logger.Debug("Stage timing",
		"stage", timing.Stage,
		"duration", timing.Duration,
		"count", timing.Count,
		"error", timing.Error,
	)
}
