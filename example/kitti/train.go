package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcnseg/base"
	"github.com/sugarme/fcnseg/config"
	"github.com/sugarme/fcnseg/fcn"
	"github.com/sugarme/fcnseg/metric"
)

func newOptimizer(vs *nn.VarStore, name string, lr float64) (*nn.Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return nn.DefaultSGDConfig().Build(vs, lr)
	case "adam":
		return nn.DefaultAdamConfig().Build(vs, lr)
	default:
		return nil, fmt.Errorf("Unspecified/Invalid Optimizer option: '%v'", name)
	}
}

// runTrain trains FCN8 on synthetic batches, evaluating after each epoch.
func runTrain(hypes *config.Hypes) {
	if err := os.MkdirAll(OutDir, 0755); err != nil {
		klog.Fatal(err)
	}

	vs := nn.NewVarStore(Device)
	reg := base.NewRegularizer(hypes.WD, Device)
	summary := base.NewSummary()

	net, err := fcn.DefaultFCN8(vs.Root(), decoderConfig(hypes),
		fcn.WithRegularizer(reg), fcn.WithSummary(summary))
	if err != nil {
		klog.Fatal(err)
	}

	opt, err := newOptimizer(vs, hypes.Solver.Opt, hypes.Solver.LearningRate)
	if err != nil {
		klog.Fatal(err)
	}

	engine, err := metric.NewLossEngine(hypes.LossKind(), hypes.Arch.NumClasses, hypes.Solver.Epsilon, hypes.Arch.Weight, reg)
	if err != nil {
		klog.Fatal(err)
	}
	eval := metric.NewEvaluator(hypes.Arch.NumClasses, LegacyFN)

	trainData := NewSynthetic(Seed, hypes.Arch.NumClasses, ImageSize)
	validData := NewSynthetic(Seed+1, hypes.Arch.NumClasses, ImageSize)

	klog.Infof("Training %s loss, %s lr=%g, %d epochs x %d steps, batch %d, image %dx%d",
		engine.Criterion.Name(), hypes.Solver.Opt, hypes.Solver.LearningRate, Epochs, Steps, BatchSize, ImageSize, ImageSize)

	for epoch := 0; epoch < Epochs; epoch++ {
		bar := progressbar.Default(int64(Steps), fmt.Sprintf("epoch %02d", epoch))
		var sum metric.LossValues
		for step := 0; step < Steps; step++ {
			batch := trainData.Next(BatchSize, Device)
			logits := net.ForwardT(batch.Images, true)
			loss, err := engine.Compute(logits, batch.Labels)
			logits.MustDrop()
			batch.Drop()
			if err != nil {
				klog.Fatal(err)
			}

			opt.BackwardStep(loss.Total)
			lv := loss.Values()
			loss.Drop()

			sum.Total += lv.Total
			sum.Primary += lv.Primary
			sum.Regularization += lv.Regularization
			bar.Add(1)
		}
		bar.Finish()

		n := float64(Steps)
		avg := metric.LossValues{Total: sum.Total / n, Primary: sum.Primary / n, Regularization: sum.Regularization / n}

		m := validate(net, eval, validData)
		klog.Infof("Epoch %02d: total %.4f  %s %.4f  weight_loss %.4f  acc %.4f  mean IoU %.4f",
			epoch, avg.Total, engine.Criterion.Name(), avg.Primary, avg.Regularization, m.Accuracy, m.MeanIoU)
		fmt.Println(metricsTable(m, &avg))

		if err := writeMetrics(m, filepath.Join(OutDir, fmt.Sprintf("metrics_%02d.csv", epoch))); err != nil {
			klog.Errorf("Writing metrics: %v", err)
		}
	}

	for _, name := range summary.Names() {
		path := filepath.Join(OutDir, strings.ReplaceAll(name, "/", "_")+"_hist.png")
		if err := summary.SaveHistogram(name, path, 50); err != nil {
			klog.Errorf("Saving histogram %s: %v", name, err)
		}
	}
}

// validate evaluates net on a few synthetic batches.
func validate(net *fcn.FCN8, eval *metric.Evaluator, data *Synthetic) *metric.MetricBundle {
	eval.Reset()
	ts.NoGrad(func() {
		for i := 0; i < 4; i++ {
			batch := data.Next(BatchSize, Device)
			logits := net.ForwardT(batch.Images, false)
			err := eval.Accumulate(logits, batch.Labels)
			logits.MustDrop()
			batch.Drop()
			if err != nil {
				klog.Fatal(err)
			}
		}
	})

	return eval.Bundle()
}

func writeMetrics(m *metric.MetricBundle, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return m.WriteCSV(f)
}
