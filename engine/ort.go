//go:build cgo && (ORT || ALL)

package engine

import (
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/finetune/input"
	"github.com/knights-analytics/finetune/util"
)

const onnxFilename = "model.onnx"

// ortEngine serves a model exported to ONNX. It is inference only: the
// exported graph has no optimizer, so training and evaluation are handled by
// a trainable engine and the resulting weights exported for serving.
type ortEngine struct {
	session     *ort.DynamicAdvancedSession
	outputNames []string
	destroy     func() error
}

// NewORTEngine is a Builder over ONNX Runtime. The exported graph is looked
// up in the spec's working directory first and in the base model path second.
func NewORTEngine(spec Spec) (Engine, error) {
	if !ort.IsInitialized() {
		if libraryPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("engine: initializing the onnxruntime environment: %w", err)
		}
	}

	onnxPath, err := locateOnnxFile(spec)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, err
	}
	inputNames := make([]string, len(inputs))
	outputNames := make([]string, len(outputs))
	for i, v := range inputs {
		inputNames[i] = v.Name
	}
	for i, v := range outputs {
		outputNames[i] = v.Name
	}

	session, err := ort.NewDynamicAdvancedSession(onnxPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, err
	}

	return &ortEngine{
		session:     session,
		outputNames: outputNames,
		destroy: func() error {
			return session.Destroy()
		},
	}, nil
}

func locateOnnxFile(spec Spec) (string, error) {
	candidates := []string{}
	if spec.WorkingDir != "" {
		candidates = append(candidates, util.PathJoinSafe(spec.WorkingDir, onnxFilename))
	}
	if spec.Config != nil && spec.Config.BaseModelPath != "" {
		candidates = append(candidates, util.PathJoinSafe(spec.Config.BaseModelPath, onnxFilename))
	}
	for _, candidate := range candidates {
		exists, err := util.FileExists(candidate)
		if err != nil {
			return "", err
		}
		if exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("engine: no %s found in %v", onnxFilename, candidates)
}

func (e *ortEngine) Train(_ input.Dataset, _ []Hook, _ int) error {
	return errors.New("engine: training is not supported on the onnxruntime engine")
}

func (e *ortEngine) Evaluate(_ input.Dataset) (float64, error) {
	return 0, errors.New("engine: evaluation is not supported on the onnxruntime engine")
}

// Predict runs the exported graph over the dataset, selecting the graph
// output named after the requested mode.
func (e *ortEngine) Predict(ds input.Dataset, mode PredictMode) ([][]float32, error) {
	outputIndex := -1
	for i, name := range e.outputNames {
		if name == string(mode) {
			outputIndex = i
			break
		}
	}
	if outputIndex < 0 {
		return nil, fmt.Errorf("engine: exported graph has no output %q, got %v", mode, e.outputNames)
	}

	stream := ds()
	defer stream.Close()

	var results [][]float32
	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		rows, err := e.runBatch(batch, outputIndex)
		if err != nil {
			return nil, err
		}
		results = append(results, rows...)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *ortEngine) runBatch(batch *input.Batch, outputIndex int) ([][]float32, error) {
	tokenData, ok := batch.Tokens.Data().([]int32)
	if !ok {
		return nil, errors.New("engine: token batch is not int32")
	}
	maskData, ok := batch.Mask.Data().([]float32)
	if !ok {
		return nil, errors.New("engine: mask batch is not float32")
	}
	tokenShape := batch.Tokens.Shape()
	maxLength := tokenShape[1]

	tokenBacking := make([]int64, len(tokenData))
	for i, v := range tokenData {
		tokenBacking[i] = int64(v)
	}

	tokenTensor, err := ort.NewTensor(ort.NewShape(int64(batch.Size), int64(maxLength), 2), tokenBacking)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tokenTensor.Destroy() }()
	maskTensor, err := ort.NewTensor(ort.NewShape(int64(batch.Size), int64(maxLength)), maskData)
	if err != nil {
		return nil, err
	}
	defer func() { _ = maskTensor.Destroy() }()

	outputTensors := make([]ort.Value, len(e.outputNames))
	if err := e.session.Run([]ort.Value{tokenTensor, maskTensor}, outputTensors); err != nil {
		return nil, err
	}
	defer func() {
		for _, t := range outputTensors {
			if t != nil {
				_ = t.Destroy()
			}
		}
	}()

	selected, ok := outputTensors[outputIndex].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("engine: graph output %q is not float32", e.outputNames[outputIndex])
	}
	data := selected.GetData()
	if len(data)%batch.Size != 0 {
		return nil, fmt.Errorf("engine: output of %d values does not divide into %d examples", len(data), batch.Size)
	}
	dim := len(data) / batch.Size
	rows := make([][]float32, batch.Size)
	for i := range rows {
		rows[i] = append([]float32(nil), data[i*dim:(i+1)*dim]...)
	}
	return rows, nil
}

func (e *ortEngine) Weights() map[string]*tensor.Dense {
	return nil
}

func (e *ortEngine) SetWeights(_ map[string]*tensor.Dense) error {
	return errors.New("engine: weights cannot be set on the onnxruntime engine")
}

func (e *ortEngine) Close() error {
	if e.destroy != nil {
		return e.destroy()
	}
	return nil
}
