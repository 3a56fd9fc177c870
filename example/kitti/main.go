package main

import (
	"flag"
	"path/filepath"

	"github.com/sugarme/gotch"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcnseg/config"
)

// flag variables
var (
	HypesPath string
	OutDir    string
	OptStr    string
	LossStr   string
	Cuda      bool
	task      string
	Device    gotch.Device
)

// hyperparameters
var (
	NumClasses int64   // number of classes when no hypes file is given
	ImageSize  int64   // synthetic image height and width
	BatchSize  int64   // batch size
	Epochs     int     // number of training epochs
	Steps      int     // optimizer steps per epoch
	LR         float64 // learning rate, overrides hypes when > 0
	Seed       int64   // synthetic data seed
	LegacyFN   bool    // legacy false negative counting
)

func init() {
	klog.InitFlags(nil)

	flag.StringVar(&HypesPath, "hypes", "", "specify hypes file (.json or .toml). Defaults are used when empty.")
	flag.StringVar(&OutDir, "out", "./output", "specify output directory for metrics and histograms")
	flag.StringVar(&OptStr, "opt", "", "specify optimizer type (Adam or SGD), overrides hypes")
	flag.StringVar(&LossStr, "loss", "", "specify loss (xentropy, softF1 or softIU), overrides hypes")
	flag.BoolVar(&Cuda, "cuda", false, "specify whether using CUDA or not.")
	flag.StringVar(&task, "task", "check", "specify task to run (check or train)")
	flag.Int64Var(&NumClasses, "classes", 2, "specify number of classes")
	flag.Int64Var(&ImageSize, "size", 64, "specify synthetic image size")
	flag.Int64Var(&BatchSize, "batch", 4, "specify batch size")
	flag.IntVar(&Epochs, "epochs", 2, "specify number of epochs")
	flag.IntVar(&Steps, "steps", 10, "specify number of steps per epoch")
	flag.Float64Var(&LR, "lr", 0, "specify learning rate")
	flag.Int64Var(&Seed, "seed", 42, "specify synthetic data seed")
	flag.BoolVar(&LegacyFN, "legacy-fn", false, "count false negatives as older reports did (always 0)")
}

func main() {
	flag.Parse()
	defer klog.Flush()

	Device = gotch.CPU
	if Cuda {
		Device = gotch.NewCuda().CudaIfAvailable()
	}

	hypes, err := loadHypes()
	if err != nil {
		klog.Fatalf("Loading hypes: %v", err)
	}

	OutDir = absPath(OutDir)

	switch task {
	case "check":
		runCheck(hypes)
	case "train":
		runTrain(hypes)
	default:
		klog.Fatalf("Unknown 'task' name %q. Please specify valid 'task' flag to run.", task)
	}
}

func loadHypes() (*config.Hypes, error) {
	var (
		hypes *config.Hypes
		err   error
	)
	if HypesPath != "" {
		hypes, err = config.Load(absPath(HypesPath))
		if err != nil {
			return nil, err
		}
	} else {
		hypes = config.Default(NumClasses)
	}

	if OptStr != "" {
		hypes.Solver.Opt = OptStr
	}
	if LossStr != "" {
		hypes.Loss = LossStr
	}
	if LR > 0 {
		hypes.Solver.LearningRate = LR
	}

	return hypes, hypes.Validate()
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		klog.Fatal(err)
	}
	return fullpath
}
