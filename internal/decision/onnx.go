package decision

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/shopspring/decimal"
	ort "github.com/yalue/onnxruntime_go"

	"gotothemoon/internal/domain"
)

var ortOnce sync.Once
var ortErr error

// InitializeORT loads the onnxruntime shared library once per process. An
// empty libPath picks the platform default.
func InitializeORT(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			switch runtime.GOOS {
			case "windows":
				libPath = "onnxruntime.dll"
			case "darwin":
				libPath = "libonnxruntime.dylib"
			default:
				libPath = "/usr/lib/libonnxruntime.so"
			}
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXConfig describes a classifier exported to ONNX. The model takes a
// [1, Lookback] float32 tensor of simple returns and outputs [1, 3]
// probabilities ordered hold, buy, sell.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	Lookback    int
	Threshold   float32
	Size        decimal.Decimal
}

// ONNXModel runs a local ONNX classifier. The session's tensors are reused, so
// calls are serialized.
type ONNXModel struct {
	cfg ONNXConfig

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXModel loads the model.
func NewONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	if cfg.Lookback < 1 {
		return nil, fmt.Errorf("onnx model: lookback must be positive")
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if err := InitializeORT(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("onnx runtime: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(cfg.Lookback)), make([]float32, cfg.Lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &ONNXModel{cfg: cfg, session: session, input: input, output: output}, nil
}

// Decide scores the latest returns and acts when buy or sell probability
// clears the threshold.
func (m *ONNXModel) Decide(_ context.Context, dc Context) (domain.Action, error) {
	features, ok := Returns(dc.RecentEvents, m.cfg.Lookback)
	if !ok {
		return domain.Hold(dc.Symbol, dc.Now), nil
	}

	m.mu.Lock()
	copy(m.input.GetData(), features)
	err := m.session.Run()
	var probs [3]float32
	if err == nil {
		copy(probs[:], m.output.GetData())
	}
	m.mu.Unlock()
	if err != nil {
		return domain.Action{}, fmt.Errorf("inference failed: %w", err)
	}

	return classify(dc, probs, m.cfg.Threshold, m.cfg.Size), nil
}

// Window is the number of events needed for Lookback returns.
func (m *ONNXModel) Window() int {
	return m.cfg.Lookback + 1
}

// Close releases the session and its tensors.
func (m *ONNXModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// Returns computes the last n simple returns of events' prices, oldest first.
func Returns(events []domain.MarketEvent, n int) ([]float32, bool) {
	if len(events) < n+1 {
		return nil, false
	}
	window := events[len(events)-n-1:]
	out := make([]float32, n)
	for i := 1; i < len(window); i++ {
		prev, _ := window[i-1].Price.Float64()
		cur, _ := window[i].Price.Float64()
		if prev == 0 {
			return nil, false
		}
		out[i-1] = float32(cur/prev - 1)
	}
	return out, true
}

func classify(dc Context, probs [3]float32, threshold float32, size decimal.Decimal) domain.Action {
	buy, sell := probs[1], probs[2]
	switch {
	case buy >= threshold && buy > sell:
		return domain.Action{Symbol: dc.Symbol, Kind: domain.ActionBuy, TargetSize: size, Confidence: float64(buy)}
	case sell >= threshold && sell > buy && dc.Position.Qty.IsPositive():
		return domain.Action{Symbol: dc.Symbol, Kind: domain.ActionSell, TargetSize: dc.Position.Qty, Confidence: float64(sell)}
	}
	return domain.Hold(dc.Symbol, dc.Now)
}
