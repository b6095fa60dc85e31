package registry

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ModelVersion is one registered version of a model, as reported by the
// registry's model-versions API.
type ModelVersion struct {
	Name                 string    `json:"name"`
	Version              string    `json:"version"`
	CreationTimestamp    Millis    `json:"creation_timestamp"`
	LastUpdatedTimestamp Millis    `json:"last_updated_timestamp"`
	CurrentStage         string    `json:"current_stage"`
	Description          string    `json:"description,omitempty"`
	Source               string    `json:"source"`
	RunID                string    `json:"run_id,omitempty"`
	Status               string    `json:"status"`
	Aliases              []string  `json:"aliases,omitempty"`
	ArtifactURI          string    `json:"artifact_uri,omitempty"`
	ResolvedAt           time.Time `json:"resolved_at"`
}

// URI is the canonical reference for this exact version.
func (mv *ModelVersion) URI() string {
	return "models:/" + mv.Name + "/" + mv.Version
}

func (mv *ModelVersion) versionNumber() int {
	n, err := strconv.Atoi(mv.Version)
	if err != nil {
		return -1
	}
	return n
}

// Millis is an epoch-milliseconds timestamp. The registry emits int64 fields
// either as JSON numbers or as quoted strings depending on server version.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*m = Millis(n)
	return nil
}

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(m))
}

func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

type getModelVersionResp struct {
	ModelVersion *ModelVersion `json:"model_version"`
}

type latestVersionsReq struct {
	Name   string   `json:"name"`
	Stages []string `json:"stages,omitempty"`
}

type latestVersionsResp struct {
	ModelVersions []ModelVersion `json:"model_versions"`
}

type downloadURIResp struct {
	ArtifactURI string `json:"artifact_uri"`
}

// apiError is the registry's error envelope.
type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}
