// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"k8s.io/klog/v2"
)

// HookPriority of the logging and summary hooks in the training loop.
const HookPriority train.Priority = 100

// TrainHooks returns the hooks attached to the training loop: logging every LogEvery steps and
// summaries every SummaryEvery steps.
func TrainHooks(cfg Config) []Hook {
	return []Hook{
		{Name: "logging", Every: LogEvery, Keys: metricKeys(cfg)},
		{Name: "summary", Every: SummaryEvery, Keys: metricKeys(cfg)},
	}
}

func (e *Estimator) attachHooks() {
	for _, hook := range TrainHooks(e.cfg) {
		switch hook.Name {
		case "logging":
			train.EveryNSteps(e.loop, hook.Every, hook.Name, HookPriority,
				func(loop *train.Loop, values []*tensors.Tensor) error {
					e.logMetrics(loop, hook.Keys, values)
					return nil
				})
		case "summary":
			train.EveryNSteps(e.loop, hook.Every, hook.Name, HookPriority,
				func(loop *train.Loop, values []*tensors.Tensor) error {
					e.sendSummaries(loop, hook.Keys, values)
					return nil
				})
		}
	}
}

// trainValues maps the values of the trainer metrics to their keys.
func (e *Estimator) trainValues(values []*tensors.Tensor) (keyed map[string]float64, descs map[string]metrics.Interface) {
	keyed = make(map[string]float64, len(values))
	descs = make(map[string]metrics.Interface, len(values))
	for ii, desc := range e.trainer.TrainMetrics() {
		if ii >= len(values) {
			break
		}
		idx := slices.Index(e.trainMetrics, desc)
		if idx < 0 {
			continue
		}
		key := e.trainKeys[idx]
		keyed[key] = shapes.ConvertTo[float64](values[ii].Value())
		descs[key] = desc
	}
	return
}

func (e *Estimator) logMetrics(loop *train.Loop, keys []string, values []*tensors.Tensor) {
	keyed, _ := e.trainValues(values)
	parts := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		if value, found := keyed[key]; found {
			parts = append(parts, fmt.Sprintf("%s=%.5g", key, value))
		}
	}
	parts = append(parts, fmt.Sprintf("step=%d", loop.Trainer.GlobalStep()))
	klog.Infof("train: %s", strings.Join(parts, ", "))
}

func (e *Estimator) sendSummaries(loop *train.Loop, keys []string, values []*tensors.Tensor) {
	if e.summaries == nil {
		return
	}
	keyed, descs := e.trainValues(values)
	step := float64(loop.Trainer.GlobalStep())
	for _, key := range keys {
		value, found := keyed[key]
		if !found || math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		desc := descs[key]
		e.summaries <- plots.Point{
			MetricName: "Train: " + desc.Name(),
			Short:      "T/" + key,
			MetricType: desc.MetricType(),
			Step:       step,
			Value:      value,
		}
	}
}
