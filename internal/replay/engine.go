// Package replay re-scores captured requests against the currently
// registered models and reports where their predictions moved.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"registry-scorer/internal/common"
	"registry-scorer/internal/ml"
	"registry-scorer/internal/scoring"
	"registry-scorer/internal/storage"

	"github.com/rs/zerolog/log"
)

// Scorer is satisfied by *scoring.Service.
type Scorer interface {
	Handle(ctx context.Context, body []byte) (*scoring.Result, error)
}

// Change is one capture whose replayed prediction differs from the
// recorded one, or that could not be replayed.
type Change struct {
	RequestID     string        `json:"request_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Rows          int           `json:"rows"`
	BeforeRole    string        `json:"before_role"`
	BeforeVersion string        `json:"before_version"`
	AfterRole     string        `json:"after_role,omitempty"`
	AfterVersion  string        `json:"after_version,omitempty"`
	Before        ml.Prediction `json:"before"`
	After         ml.Prediction `json:"after,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type RoleStats struct {
	Replayed  int `json:"replayed"`
	Unchanged int `json:"unchanged"`
	Changed   int `json:"changed"`
	Failed    int `json:"failed"`
}

// Results holds the outcome of one replay
type Results struct {
	StartTime time.Time             `json:"start_time"`
	EndTime   time.Time             `json:"end_time"`
	Total     int                   `json:"total"`
	Unchanged int                   `json:"unchanged"`
	Changed   int                   `json:"changed"`
	Failed    int                   `json:"failed"`
	ByRole    map[string]*RoleStats `json:"by_role"`
	Changes   []Change              `json:"changes"`
	Drift     *DriftReport          `json:"drift,omitempty"`
}

// AgreementRate is the share of replayed captures whose prediction did not
// change. Failed replays count against it.
func (r *Results) AgreementRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Unchanged) / float64(r.Total)
}

type Engine struct {
	scorer Scorer
}

func NewEngine(scorer Scorer) *Engine {
	return &Engine{scorer: scorer}
}

// Run replays captures in order. It stops early only when ctx is done.
func (e *Engine) Run(ctx context.Context, captures []storage.Capture) (*Results, error) {
	results := &Results{
		ByRole: map[string]*RoleStats{
			common.RolePrimary:  {},
			common.RoleFallback: {},
		},
	}
	if len(captures) > 0 {
		results.StartTime = captures[0].Timestamp
		results.EndTime = captures[len(captures)-1].Timestamp
	}

	log.Info().
		Int("captures", len(captures)).
		Time("start", results.StartTime).
		Time("end", results.EndTime).
		Msg("starting replay")

	for _, c := range captures {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		e.replay(ctx, c, results)
	}

	log.Info().
		Int("total", results.Total).
		Int("changed", results.Changed).
		Int("failed", results.Failed).
		Float64("agreement", results.AgreementRate()).
		Msg("replay finished")

	return results, nil
}

func (e *Engine) replay(ctx context.Context, c storage.Capture, results *Results) {
	results.Total++
	change := Change{
		RequestID:     c.RequestID,
		Timestamp:     c.Timestamp,
		Rows:          c.Input.Rows(),
		BeforeRole:    c.Role,
		BeforeVersion: c.ModelVersion,
		Before:        c.Output,
	}

	res, err := e.score(ctx, c)
	if err != nil {
		results.Failed++
		stats(results, c.Role).Failed++
		change.Error = err.Error()
		results.Changes = append(results.Changes, change)
		log.Debug().Err(err).Str("request_id", c.RequestID).Msg("replay failed")
		return
	}

	role := stats(results, res.Role)
	role.Replayed++
	change.AfterRole = res.Role
	change.AfterVersion = res.Model.Version
	change.After = res.Prediction

	if samePrediction(c.Output, res.Prediction) {
		results.Unchanged++
		role.Unchanged++
		return
	}
	results.Changed++
	role.Changed++
	results.Changes = append(results.Changes, change)
}

func (e *Engine) score(ctx context.Context, c storage.Capture) (*scoring.Result, error) {
	body, err := json.Marshal(map[string]any{
		common.InputDataKey: map[string]any{common.DataKey: c.Input},
	})
	if err != nil {
		return nil, fmt.Errorf("encode capture %s: %w", c.RequestID, err)
	}
	return e.scorer.Handle(ctx, body)
}

func stats(results *Results, role string) *RoleStats {
	s, ok := results.ByRole[role]
	if !ok {
		s = &RoleStats{}
		results.ByRole[role] = s
	}
	return s
}

// samePrediction compares predictions by their wire form, so a label decoded
// as float64 from storage equals the same label produced as int64.
func samePrediction(a, b ml.Prediction) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
