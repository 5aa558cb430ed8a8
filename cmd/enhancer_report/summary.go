// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// model is a trained model loaded from its checkpoint.
type model struct {
	dir string
	ctx *context.Context
}

// loadModel loads the latest checkpoint in dir, with its variables.
func loadModel(dir string) (*model, error) {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", dir)
	}
	return &model{dir: dir, ctx: ctx}, nil
}

// scoped returns the context of the model variables, excluding the optimizer ones.
func (m *model) scoped() *context.Context {
	return m.ctx.InAbsPath(context.RootScope + estimator.ModelScope)
}

// GlobalStep of the checkpoint, or -1 if it's not there.
func (m *model) GlobalStep() int64 {
	v := m.ctx.GetVariable(optimizers.GlobalStepVariableName)
	if v == nil {
		return -1
	}
	value, err := v.Value()
	if err != nil {
		return -1
	}
	return tensors.ToScalar[int64](value)
}

// Summary renders the table with the size of the model.
func (m *model) Summary() string {
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", m.dir)
	if step := m.GlobalStep(); step >= 0 {
		table.Row("global_step", humanize.Comma(step))
	}
	var numVars, totalSize int
	var totalMemory uintptr
	m.scoped().EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	return titleStyle.Render("Summary") + "\n" + table.Render()
}

// Params renders the table of hyperparameters.
func (m *model) Params() string {
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Type", "Value")
	m.ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	return titleStyle.Render("Hyperparameters") + "\n" + table.Render()
}

// Variables renders the table of the model variables, sorted by scope and name.
func (m *model) Variables() string {
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	m.scoped().EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	return titleStyle.Render("Variables") + "\n" + table.Render()
}
