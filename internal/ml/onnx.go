package ml

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXDataFile is the default artifact of the onnx flavor.
const ONNXDataFile = "model.onnx"

var (
	ortOnce sync.Once
	ortErr  error
)

// InitONNXRuntime loads the onnxruntime shared library once per process. An
// empty libPath uses the platform default search.
func InitONNXRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if ort.IsInitialized() {
			return
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
			return
		}
		log.Info().Str("lib", libPath).Msg("onnxruntime initialized")
	})
	return ortErr
}

// ONNXModel runs an ONNX graph with one 2-D numeric input. The first graph
// output is returned: a 1-D output yields one label per row, a 2-D output one
// score vector per row.
type ONNXModel struct {
	session   *ort.DynamicAdvancedSession
	input     string
	output    string
	inputType ort.TensorElementDataType
	info      ModelInfo
}

func NewONNXModel(data []byte, info ModelInfo) (*ONNXModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect ONNX graph: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ONNX graph has %d inputs, want 1", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("ONNX graph has no outputs")
	}

	in := inputs[0]
	switch in.DataType {
	case ort.TensorElementDataTypeFloat, ort.TensorElementDataTypeDouble:
	default:
		return nil, fmt.Errorf("ONNX input %q has unsupported element type %v", in.Name, in.DataType)
	}
	if len(in.Dimensions) != 2 {
		return nil, fmt.Errorf("ONNX input %q has shape %v, want 2-D", in.Name, in.Dimensions)
	}
	if in.Dimensions[1] > 0 {
		info.NumFeatures = int(in.Dimensions[1])
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data,
		[]string{in.Name}, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	info.Flavor = FlavorONNX
	return &ONNXModel{
		session:   session,
		input:     in.Name,
		output:    outputs[0].Name,
		inputType: in.DataType,
		info:      info,
	}, nil
}

func (o *ONNXModel) Info() ModelInfo { return o.info }

func (o *ONNXModel) Predict(ctx context.Context, m Matrix) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if o.info.NumFeatures > 0 && m.Cols() != o.info.NumFeatures {
		return Prediction{}, fmt.Errorf("%w: model expects %d features, got %d", ErrFeatureCount, o.info.NumFeatures, m.Cols())
	}

	shape := ort.NewShape(int64(m.Rows()), int64(m.Cols()))
	var input ort.Value
	var err error
	if o.inputType == ort.TensorElementDataTypeDouble {
		input, err = ort.NewTensor(shape, append([]float64(nil), m.Values()...))
	} else {
		input, err = ort.NewTensor(shape, m.Float32())
	}
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := o.session.Run([]ort.Value{input}, outputs); err != nil {
		return Prediction{}, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	return decodeOutput(outputs[0], m.Rows())
}

func decodeOutput(v ort.Value, rows int) (Prediction, error) {
	switch t := v.(type) {
	case *ort.Tensor[int64]:
		return reshape(t.GetData(), t.GetShape(), rows)
	case *ort.Tensor[int32]:
		return reshape(t.GetData(), t.GetShape(), rows)
	case *ort.Tensor[float32]:
		return reshape(t.GetData(), t.GetShape(), rows)
	case *ort.Tensor[float64]:
		return reshape(t.GetData(), t.GetShape(), rows)
	default:
		return Prediction{}, fmt.Errorf("unsupported ONNX output type %T", v)
	}
}

// reshape splits a row-major output into one vector per input row. A 1-D
// output yields labels, anything wider stays nested.
func reshape[T int64 | int32 | float32 | float64](data []T, shape ort.Shape, rows int) (Prediction, error) {
	if len(shape) == 0 || shape[0] != int64(rows) {
		return Prediction{}, fmt.Errorf("ONNX output shape %v does not match %d input rows", shape, rows)
	}
	if len(shape) == 1 {
		return Labels(data), nil
	}
	if rows == 0 {
		return Rows([][]any{}), nil
	}
	width := len(data) / rows
	out := make([][]any, rows)
	for i := range out {
		row := make([]any, width)
		for j := range row {
			row[j] = data[i*width+j]
		}
		out[i] = row
	}
	return Rows(out), nil
}

func (o *ONNXModel) Close() error {
	if o.session != nil {
		return o.session.Destroy()
	}
	return nil
}
