package main

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/fcnseg/metric"
)

var (
	headerStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyle = lipgloss.NewStyle().
			PaddingLeft(1).PaddingRight(1)
	faintRowStyle = rowStyle.Faint(true)
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case row%2 == 0:
				return rowStyle
			default:
				return faintRowStyle
			}
		})
}

// metricsTable renders per-class metrics followed by overall scalars.
func metricsTable(m *metric.MetricBundle, losses *metric.LossValues) string {
	t := newTable("class", "precision", "recall", "f1", "iou")
	for c := range m.Precision {
		t.Row(fmt.Sprint(c),
			fmt.Sprintf("%.4f", m.Precision[c]),
			fmt.Sprintf("%.4f", m.Recall[c]),
			fmt.Sprintf("%.4f", m.F1[c]),
			fmt.Sprintf("%.4f", m.IoU[c]))
	}

	overall := newTable("metric", "value")
	for _, nv := range m.EvalList(losses) {
		overall.Row(nv.Name, fmt.Sprintf("%.4f", nv.Value))
	}
	overall.Row("Mean IoU", fmt.Sprintf("%.4f", m.MeanIoU))

	return lipgloss.JoinHorizontal(lipgloss.Top, t.String(), " ", overall.String())
}

// varsTable renders variables sorted by name with their shapes and sizes.
func varsTable(vs *nn.VarStore) (string, int64) {
	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)

	var total int64
	t := newTable("variable", "shape", "params")
	for _, n := range names {
		x := vars[n]
		size := x.MustSize()
		numel := int64(1)
		for _, d := range size {
			numel *= d
		}
		total += numel
		t.Row(n, fmt.Sprint(size), humanize.Comma(numel))
	}

	return t.String(), total
}
