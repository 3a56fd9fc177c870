package metric_test

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/fcnseg/base"
	"github.com/sugarme/fcnseg/metric"
)

var (
	testPred  = []int64{0, 1, 1, 0}
	testTruth = []int64{0, 1, 0, 0}
)

func TestEvaluateClasses(t *testing.T) {
	e := metric.NewEvaluator(2, false)
	m, err := e.EvaluateClasses(testPred, testTruth)
	require.NoError(t, err)

	assert.Equal(t, 0.75, m.Accuracy)
	assert.Equal(t, metric.ClassCounts{TP: 1, TN: 2, FP: 1, FN: 0}, m.Counts[1])
	assert.Equal(t, metric.ClassCounts{TP: 2, TN: 1, FP: 0, FN: 1}, m.Counts[0])

	assert.InDelta(t, 0.5, m.Precision[1], 1e-12)
	assert.InDelta(t, 1.0, m.Recall[1], 1e-12)
	assert.InDelta(t, 2.0/3, m.F1[1], 1e-12)
	assert.InDelta(t, 0.5, m.IoU[1], 1e-12)

	assert.InDelta(t, 1.0, m.Precision[0], 1e-12)
	assert.InDelta(t, 2.0/3, m.Recall[0], 1e-12)

	assert.InDelta(t, 0.75, m.MeanPrecision, 1e-12)
	assert.InDelta(t, (1.0+2.0/3)/2, m.MeanRecall, 1e-12)
}

func TestLegacyFalseNegatives(t *testing.T) {
	e := metric.NewEvaluator(2, true)
	m, err := e.EvaluateClasses(testPred, testTruth)
	require.NoError(t, err)

	for c, cc := range m.Counts {
		assert.Zero(t, cc.FN, "class %d", c)
		assert.Equal(t, 1.0, m.Recall[c], "class %d", c)
	}
	assert.Equal(t, int64(1), m.Counts[1].TP)
	assert.Equal(t, int64(1), m.Counts[1].FP)
	assert.Equal(t, 0.75, m.Accuracy)
}

func TestEvaluateUnguarded(t *testing.T) {
	e := metric.NewEvaluator(2, false)
	m, err := e.EvaluateClasses([]int64{0, 0}, []int64{0, 0})
	require.NoError(t, err)

	assert.Equal(t, 1.0, m.Accuracy)
	assert.True(t, math.IsNaN(m.Precision[1]))
	assert.True(t, math.IsNaN(m.Recall[1]))
	assert.True(t, math.IsNaN(m.MeanF1))
}

func TestEvaluateTensors(t *testing.T) {
	labels := oneHot(testTruth, 2)
	defer labels.MustDrop()
	pred := oneHot(testPred, 2)
	logits := pred.MustMul1(ts.FloatScalar(3), true)
	defer logits.MustDrop()

	e := metric.NewEvaluator(2, false)
	m, err := e.Evaluate(logits, labels)
	require.NoError(t, err)
	assert.Equal(t, 0.75, m.Accuracy)
	assert.Equal(t, int64(1), m.Counts[1].TP)
	assert.Equal(t, int64(1), m.Counts[1].FP)

	idx, err := metric.Argmax(logits, 2)
	require.NoError(t, err)
	assert.Equal(t, testPred, idx)

	_, err = e.Evaluate(logits, oneHot(testTruth, 3))
	assert.ErrorIs(t, err, base.ErrShapeMismatch)
}

func TestAccumulate(t *testing.T) {
	e := metric.NewEvaluator(2, false)
	require.NoError(t, e.AccumulateClasses(testPred[:2], testTruth[:2]))
	require.NoError(t, e.AccumulateClasses(testPred[2:], testTruth[2:]))

	want, err := e.EvaluateClasses(testPred, testTruth)
	require.NoError(t, err)
	assert.Equal(t, want, e.Bundle())

	labels := oneHot(testTruth, 2)
	defer labels.MustDrop()
	require.NoError(t, e.Accumulate(labels, labels))
	assert.Equal(t, 7.0/8, e.Bundle().Accuracy)

	e.Reset()
	assert.True(t, math.IsNaN(e.Bundle().Accuracy))
}

func TestConfusionMatrixErrors(t *testing.T) {
	cm := metric.NewConfusionMatrix(2)
	assert.ErrorIs(t, cm.Add([]int64{0}, []int64{0, 1}), base.ErrShapeMismatch)
	assert.Error(t, cm.Add([]int64{2}, []int64{0}))
	assert.Error(t, cm.Add([]int64{0}, []int64{-1}))
	assert.Zero(t, cm.Total())

	require.NoError(t, cm.Add(testPred, testTruth))
	assert.Equal(t, int64(4), cm.Total())
	assert.Equal(t, int64(3), cm.Correct())
	assert.Equal(t, [][]int64{{2, 1}, {0, 1}}, cm.Counts)
}

func TestAccumulateRejectsWholeBatch(t *testing.T) {
	e := metric.NewEvaluator(2, false)
	require.NoError(t, e.AccumulateClasses(testPred, testTruth))

	// out-of-range class on the last pixel
	assert.Error(t, e.AccumulateClasses([]int64{0, 1, 5}, []int64{0, 1, 0}))
	assert.Error(t, e.AccumulateClasses([]int64{1, 1, 0}, []int64{1, 1, -1}))

	want, err := e.EvaluateClasses(testPred, testTruth)
	require.NoError(t, err)
	assert.Equal(t, want, e.Bundle())

	cm := metric.NewConfusionMatrix(2)
	assert.Error(t, cm.Add([]int64{0, 1, 2}, []int64{0, 1, 1}))
	assert.Zero(t, cm.Total())
}

func TestMetricReports(t *testing.T) {
	e := metric.NewEvaluator(2, false)
	m, err := e.EvaluateClasses(testPred, testTruth)
	require.NoError(t, err)

	df := m.DataFrame()
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []string{"class", "tp", "fp", "fn", "precision", "recall", "f1", "iou"}, df.Names())

	var buf bytes.Buffer
	require.NoError(t, m.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "class,tp,fp,fn,precision,recall,f1,iou", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "1,1,1,0,"))

	list := m.EvalList(&metric.LossValues{Primary: 0.3, Regularization: 0.01})
	var names []string
	for _, nv := range list {
		names = append(names, nv.Name)
	}
	assert.Equal(t, []string{"Acc. ", "xentropy", "weight_loss", "Overall Precision ", "Overall Recall", "Overall F1 score "}, names)
	assert.Len(t, m.EvalList(nil), 4)

	s := m.Scalars()
	assert.Equal(t, 0.75, s["Accuracy"])
	assert.Equal(t, 0.5, s["c1_Precision"])
	assert.Len(t, s, 7)
}
