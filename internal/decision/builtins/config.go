package builtins

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/config"
	"gotothemoon/internal/decision"
)

// FromConfig builds the configured decision model. The returned close
// function releases model resources and is never nil.
func FromConfig(cfg config.Decision) (decision.Port, func(), error) {
	noop := func() {}
	switch cfg.Model {
	case "remote":
		m, err := decision.NewRemote(cfg.URL, nil)
		if err != nil {
			return nil, noop, err
		}
		return m, noop, nil
	case "onnx":
		m, err := decision.NewONNXModel(decision.ONNXConfig{
			ModelPath:   cfg.ONNX.ModelPath,
			LibraryPath: cfg.ONNX.LibraryPath,
			Lookback:    cfg.ONNX.Lookback,
			Threshold:   cfg.ONNX.Threshold,
			Size:        decimal.NewFromFloat(cfg.ONNX.Size),
		})
		if err != nil {
			return nil, noop, err
		}
		return m, m.Close, nil
	}

	reg := decision.NewRegistry()
	Register(reg)
	m, err := reg.Build(cfg.Model, cfg.Params)
	if err != nil {
		return nil, noop, fmt.Errorf("decision model: %w", err)
	}
	return m, noop, nil
}
