package ml

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MLmodelFile is the descriptor stored next to every registered model.
const MLmodelFile = "MLmodel"

const (
	FlavorONNX   = "onnx"
	FlavorLinear = "linear"
)

// MLmodel is the subset of the model descriptor the loader reads.
type MLmodel struct {
	ArtifactPath   string                    `yaml:"artifact_path"`
	RunID          string                    `yaml:"run_id"`
	ModelUUID      string                    `yaml:"model_uuid"`
	UTCTimeCreated string                    `yaml:"utc_time_created"`
	Flavors        map[string]map[string]any `yaml:"flavors"`
	Signature      *Signature                `yaml:"signature"`
}

// Signature carries the JSON-encoded input and output schemas.
type Signature struct {
	Inputs  string `yaml:"inputs"`
	Outputs string `yaml:"outputs"`
}

type schemaEntry struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	TensorSpec *struct {
		DType string  `json:"dtype"`
		Shape []int64 `json:"shape"`
	} `json:"tensor-spec"`
}

// ParseMLmodel decodes an MLmodel YAML document.
func ParseMLmodel(data []byte) (*MLmodel, error) {
	var m MLmodel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse MLmodel: %w", err)
	}
	if len(m.Flavors) == 0 {
		return nil, fmt.Errorf("parse MLmodel: no flavors declared")
	}
	return &m, nil
}

// FlavorNames lists declared flavors in sorted order.
func (m *MLmodel) FlavorNames() []string {
	names := make([]string, 0, len(m.Flavors))
	for name := range m.Flavors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FlavorFile returns a string option of a flavor, e.g. onnx.data.
func (m *MLmodel) FlavorFile(flavor, key, fallback string) string {
	if conf, ok := m.Flavors[flavor]; ok {
		if v, ok := conf[key].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}

// CreatedAt parses utc_time_created; zero when absent or malformed.
func (m *MLmodel) CreatedAt() time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05.999999", time.RFC3339Nano} {
		if t, err := time.Parse(layout, m.UTCTimeCreated); err == nil {
			return t
		}
	}
	return time.Time{}
}

// NumFeatures derives the input width from the signature: the column count
// of a column schema or the last dimension of a single tensor input. Zero
// means unknown.
func (m *MLmodel) NumFeatures() int {
	if m.Signature == nil || strings.TrimSpace(m.Signature.Inputs) == "" {
		return 0
	}
	var entries []schemaEntry
	if err := json.Unmarshal([]byte(m.Signature.Inputs), &entries); err != nil || len(entries) == 0 {
		return 0
	}
	if len(entries) == 1 && entries[0].Type == "tensor" && entries[0].TensorSpec != nil {
		shape := entries[0].TensorSpec.Shape
		if len(shape) < 2 || shape[len(shape)-1] < 0 {
			return 0
		}
		return int(shape[len(shape)-1])
	}
	return len(entries)
}
