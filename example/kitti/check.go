package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcnseg/base"
	"github.com/sugarme/fcnseg/config"
	"github.com/sugarme/fcnseg/fcn"
	"github.com/sugarme/fcnseg/metric"
)

func decoderConfig(hypes *config.Hypes) fcn.DecoderConfig {
	return fcn.DecoderConfig{
		NumClasses: hypes.Arch.NumClasses,
		ScaleDown:  hypes.ScaleDownOrDefault(),
		Skip:       hypes.SkipOrDefault(),
	}
}

// runCheck builds FCN8 and runs a random batch through decoder, loss and
// evaluation, printing shapes, parameters and metrics.
func runCheck(hypes *config.Hypes) {
	vs := nn.NewVarStore(Device)
	reg := base.NewRegularizer(hypes.WD, Device)
	summary := base.NewSummary()

	net, err := fcn.DefaultFCN8(vs.Root(), decoderConfig(hypes),
		fcn.WithRegularizer(reg), fcn.WithSummary(summary))
	if err != nil {
		klog.Fatal(err)
	}

	vars, total := varsTable(vs)
	klog.V(1).Info("\n" + vars)
	fmt.Printf("Parameters: %s (%d L2 terms, weight decay %g)\n", humanize.Comma(total), reg.Len(), reg.WeightDecay())

	engine, err := metric.NewLossEngine(hypes.LossKind(), hypes.Arch.NumClasses, hypes.Solver.Epsilon, hypes.Arch.Weight, reg)
	if err != nil {
		klog.Fatal(err)
	}
	eval := metric.NewEvaluator(hypes.Arch.NumClasses, LegacyFN)

	data := NewSynthetic(Seed, hypes.Arch.NumClasses, ImageSize)
	batch := data.Next(BatchSize, Device)
	defer batch.Drop()

	ts.NoGrad(func() {
		out, err := net.Decode(batch.Images, false)
		if err != nil {
			klog.Fatal(err)
		}
		defer out.Drop()

		fmt.Printf("images:  %v\n", batch.Images.MustSize())
		fmt.Printf("logits:  %v\n", out.Logits.MustSize())
		fmt.Printf("softmax: %v\n", out.Softmax.MustSize())

		for _, name := range summary.Names() {
			s, _ := summary.Stats(name)
			fmt.Printf("%-14s mean %8.4f  std %8.4f  min %8.4f  max %8.4f  zeros %5.1f%%\n",
				name, s.Mean, s.StdDev, s.Min, s.Max, 100*s.Sparsity)
		}

		loss, err := engine.Compute(out.Logits, batch.Labels)
		if err != nil {
			klog.Fatal(err)
		}
		lv := loss.Values()
		loss.Drop()

		m, err := eval.Evaluate(out.Logits, batch.Labels)
		if err != nil {
			klog.Fatal(err)
		}
		fmt.Printf("Loss (%s): total %.4f\n", engine.Criterion.Name(), lv.Total)
		fmt.Println(metricsTable(m, &lv))
	})
}
