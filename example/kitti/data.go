package main

import (
	"math/rand"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Batch is a batch of images [B 3 H W] with one-hot labels [B C H W].
type Batch struct {
	Images *ts.Tensor
	Labels *ts.Tensor
}

// Drop frees batch tensors.
func (b Batch) Drop() {
	b.Images.MustDrop()
	b.Labels.MustDrop()
}

// Synthetic generates random images. A pixel belongs to class 1 when its
// red value exceeds its green value, class 0 otherwise. With more than two
// classes, class 2 and up are assigned by blue value bands among pixels
// that would be class 0.
type Synthetic struct {
	rng        *rand.Rand
	numClasses int64
	size       int64
}

// NewSynthetic creates a Synthetic generator.
func NewSynthetic(seed, numClasses, size int64) *Synthetic {
	return &Synthetic{
		rng:        rand.New(rand.NewSource(seed)),
		numClasses: numClasses,
		size:       size,
	}
}

func (s *Synthetic) class(r, g, b float32) int64 {
	if r > g {
		return 1
	}
	if s.numClasses <= 2 {
		return 0
	}
	// blue bands for classes 0, 2, 3, ...
	bands := s.numClasses - 1
	band := int64(b * float32(bands))
	if band >= bands {
		band = bands - 1
	}
	if band == 0 {
		return 0
	}
	return band + 1
}

// Next returns a batch of batchSize samples on device.
func (s *Synthetic) Next(batchSize int64, device gotch.Device) Batch {
	hw := s.size * s.size
	images := make([]float32, batchSize*3*hw)
	labels := make([]float32, batchSize*s.numClasses*hw)

	for n := int64(0); n < batchSize; n++ {
		img := images[n*3*hw : (n+1)*3*hw]
		for i := range img {
			img[i] = s.rng.Float32()
		}
		lab := labels[n*s.numClasses*hw : (n+1)*s.numClasses*hw]
		for i := int64(0); i < hw; i++ {
			c := s.class(img[i], img[hw+i], img[2*hw+i])
			lab[c*hw+i] = 1
		}
	}

	imgTs := ts.MustOfSlice(images).MustView([]int64{batchSize, 3, s.size, s.size}, true)
	labTs := ts.MustOfSlice(labels).MustView([]int64{batchSize, s.numClasses, s.size, s.size}, true)

	return Batch{
		Images: imgTs.MustTo(device, true),
		Labels: labTs.MustTo(device, true),
	}
}
