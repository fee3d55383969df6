// Package filters provides the built-in processors. Their "models" are
// in-process imaging kernels served through the inference pool like any
// other session.
package filters

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/framesmith/framesmith-agent/internal/inference"
)

const (
	KernelGaussian = "gaussian"
	KernelSharpen  = "sharpen"
)

// KernelRequest is the input of a builtin kernel session.
type KernelRequest struct {
	Image    image.Image
	Sigma    float64
	Contrast float64
}

type gaussianSession struct{}

func (*gaussianSession) Run(ctx context.Context, input any) (any, error) {
	req, ok := input.(KernelRequest)
	if !ok {
		return nil, fmt.Errorf("gaussian: unexpected input %T", input)
	}
	if req.Sigma <= 0 {
		return imaging.Clone(req.Image), nil
	}
	return imaging.Blur(req.Image, req.Sigma), nil
}

func (*gaussianSession) Close() error { return nil }

type sharpenSession struct{}

func (*sharpenSession) Run(ctx context.Context, input any) (any, error) {
	req, ok := input.(KernelRequest)
	if !ok {
		return nil, fmt.Errorf("sharpen: unexpected input %T", input)
	}
	var out image.Image = imaging.Clone(req.Image)
	if req.Sigma > 0 {
		out = imaging.Sharpen(out, req.Sigma)
	}
	if req.Contrast != 0 {
		out = imaging.AdjustContrast(out, req.Contrast)
	}
	return out, nil
}

func (*sharpenSession) Close() error { return nil }

// RegisterKernels makes builtin:gaussian and builtin:sharpen loadable.
func RegisterKernels(m *inference.Manager) {
	m.RegisterBuiltin(KernelGaussian, func(inference.SessionOptions) (inference.Session, error) {
		return &gaussianSession{}, nil
	})
	m.RegisterBuiltin(KernelSharpen, func(inference.SessionOptions) (inference.Session, error) {
		return &sharpenSession{}, nil
	})
}

func runKernel(ctx context.Context, s inference.Session, req KernelRequest) (image.Image, error) {
	out, err := s.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	img, ok := out.(image.Image)
	if !ok {
		return nil, fmt.Errorf("kernel returned %T", out)
	}
	return img, nil
}
