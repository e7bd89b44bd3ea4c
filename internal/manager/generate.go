package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"mlxd/internal/engine"
	"mlxd/internal/history"
	"mlxd/pkg/types"
)

// Generate runs one generation, streaming coalesced text commits and a
// final done line to w as NDJSON. At most one generation runs at a time; a
// request arriving while the slot is taken fails immediately with a busy
// error instead of queueing. Errors are returned, not written; the HTTP
// layer renders them.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	modelID := req.Model
	if modelID == "" {
		modelID = m.cfg.DefaultModel
	}
	if modelID == "" {
		return engine.NewError(engine.KindInvalid, "generate", "",
			errors.New("no model specified and no default configured"))
	}
	if req.Prompt == "" {
		return engine.NewError(engine.KindInvalid, "generate", modelID,
			errors.New("prompt is required"))
	}

	release, err := m.beginGeneration(modelID)
	if err != nil {
		generationsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	defer release()
	return m.run(ctx, modelID, req, w, flush)
}

// Retry replays the last recorded request tuple unchanged. An explicit seed
// repeats exactly; an auto seed draws fresh again.
func (m *Manager) Retry(ctx context.Context, w io.Writer, flush func()) error {
	m.mu.RLock()
	gr := m.lastReq
	m.mu.RUnlock()
	if gr == nil {
		return ErrNoLastRequest()
	}

	release, err := m.beginGeneration(gr.Model)
	if err != nil {
		generationsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	defer release()

	req := types.GenerateRequest{
		Model:       gr.Model,
		Prompt:      gr.Req.Prompt,
		System:      gr.Req.System,
		Images:      gr.Req.Images,
		Video:       gr.Req.Video,
		MaxTokens:   gr.MaxTokens,
		Temperature: float64(gr.Temperature),
		TopP:        float64(gr.TopP),
		Seed:        gr.Seed,
	}
	return m.run(ctx, gr.Model, req, w, flush)
}

// Cancel aborts the generation in flight, if any.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	cancel := m.cancelGen
	m.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// run executes one admitted generation. Caller holds the gate.
func (m *Manager) run(ctx context.Context, modelID string, req types.GenerateRequest, w io.Writer, flush func()) error {
	// Record the tuple before anything can fail, so retry can replay a run
	// that never produced output.
	gr := &genRequest{
		Model:       modelID,
		Req:         engine.Request{Prompt: req.Prompt, System: req.System, Images: req.Images, Video: req.Video},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		Seed:        req.Seed,
	}
	m.mu.Lock()
	m.lastReq = gr
	m.generations++
	m.mu.Unlock()
	m.acc.Reset()

	// The tier policy is re-evaluated for every run, never carried over from
	// the previous one.
	runTier, budget := m.refreshTier()

	started := time.Now()
	seed := gr.Seed
	if seed == 0 {
		seed = m.seedFn()
	}

	if err := m.ensureLoaded(ctx, modelID); err != nil {
		m.recordRun(gr, seed, started, engine.Result{}, 0, err)
		generationsTotal.WithLabelValues("error").Inc()
		m.publish(EventGenError, modelID, map[string]any{"kind": string(engine.KindOf(err))})
		return err
	}
	m.mu.RLock()
	h := m.handle
	m.mu.RUnlock()
	if h == nil {
		err := engine.NewError(engine.KindUnavailable, "generate", modelID, errors.New("no model loaded"))
		m.recordRun(gr, seed, started, engine.Result{}, 0, err)
		return err
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancelGen = cancel
	m.state = StateGenerating
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancelGen = nil
		m.mu.Unlock()
		m.finishState()
	}()

	params := engine.Params{
		MaxTokens:       budget.CapTokens(req.MaxTokens),
		Temperature:     float32(req.Temperature),
		TopP:            float32(req.TopP),
		Seed:            seed,
		ImageEdgePixels: budget.ImageEdgePixels,
	}
	m.publish(EventGenStart, modelID, map[string]any{
		"seed":       seed,
		"max_tokens": params.MaxTokens,
		"tier":       runTier.String(),
	})
	m.preclear(genCtx)

	co := newCommitCoalescer(w, flush, m.cfg.CommitInterval, func(n int) {
		m.publish(EventGenCommit, modelID, map[string]any{"bytes": n})
	})
	onChunk := func(c engine.Chunk) error {
		m.acc.Append(c.Text)
		return co.Add(c.Text)
	}

	res, err := h.Generate(genCtx, gr.Req, params, onChunk)
	dur := time.Since(started)

	if err != nil {
		// Nothing goes to the wire after the last commit; pending text stays
		// only in the accumulator.
		co.Discard()
		kerr := engine.Wrap(engine.KindRuntime, "generate", modelID, err)
		m.recordRun(gr, seed, started, res, dur, kerr)
		if engine.IsCanceled(kerr) {
			generationsTotal.WithLabelValues("canceled").Inc()
			m.publish(EventGenCancel, modelID, nil)
		} else {
			generationsTotal.WithLabelValues("error").Inc()
			m.publish(EventGenError, modelID, map[string]any{"kind": string(engine.KindOf(kerr))})
		}
		m.postRelease()
		return kerr
	}

	if res.Output == "" {
		res.Output = m.acc.String()
	}
	if res.TokensPerSecond == 0 && res.TokenCount > 0 && dur > 0 {
		res.TokensPerSecond = float64(res.TokenCount) / dur.Seconds()
	}

	werr := co.Flush()
	if werr == nil {
		line, _ := json.Marshal(types.GenerateDone{
			Done:            true,
			Output:          res.Output,
			Tokens:          res.TokenCount,
			TokensPerSecond: res.TokensPerSecond,
			FinishReason:    res.FinishReason,
		})
		if _, err := w.Write(append(line, '\n')); err != nil {
			werr = err
		} else if flush != nil {
			flush()
		}
	}

	m.recordRun(gr, seed, started, res, dur, nil)
	generationsTotal.WithLabelValues("ok").Inc()
	generationTokens.Add(float64(res.TokenCount))
	generationDuration.Observe(dur.Seconds())
	m.publish(EventGenDone, modelID, map[string]any{
		"tokens":        res.TokenCount,
		"tokens_per_s":  res.TokensPerSecond,
		"finish_reason": res.FinishReason,
	})
	m.log.Info().
		Str("model", modelID).
		Int("tokens", res.TokenCount).
		Float64("tokens_per_s", res.TokensPerSecond).
		Dur("took", dur).
		Str("finish_reason", res.FinishReason).
		Msg("generation done")

	m.postRelease()
	return werr
}

// recordRun persists the run and refreshes the last-run summary.
func (m *Manager) recordRun(gr *genRequest, seed int64, started time.Time, res engine.Result, dur time.Duration, runErr error) {
	last := &types.LastRun{
		Tokens:          res.TokenCount,
		TokensPerSecond: res.TokensPerSecond,
		FinishReason:    res.FinishReason,
	}
	output := res.Output
	if output == "" {
		output = m.acc.String()
	}
	kind := ""
	if runErr != nil {
		last.Error = runErr.Error()
		kind = string(engine.KindOf(runErr))
		last.Kind = kind
		if engine.IsCanceled(runErr) {
			last.FinishReason = "cancel"
		}
	}
	m.mu.Lock()
	m.lastRun = last
	tierName := m.tier.String()
	m.mu.Unlock()

	err := m.cfg.History.Record(history.Run{
		Started:         started,
		Model:           gr.Model,
		Tier:            tierName,
		Prompt:          gr.Req.Prompt,
		System:          gr.Req.System,
		Images:          gr.Req.Images,
		Video:           gr.Req.Video,
		Seed:            seed,
		Output:          output,
		ErrorKind:       kind,
		Tokens:          res.TokenCount,
		TokensPerSecond: res.TokensPerSecond,
		Duration:        dur,
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("history record failed")
	}
}

// RecentRuns returns recorded generations, newest first.
func (m *Manager) RecentRuns(limit int) ([]types.HistoryEntry, error) {
	runs, err := m.cfg.History.Recent(limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.HistoryEntry, 0, len(runs))
	for _, r := range runs {
		out = append(out, types.HistoryEntry{
			ID:              r.ID,
			StartedUnix:     r.Started.Unix(),
			Model:           r.Model,
			Tier:            r.Tier,
			Prompt:          r.Prompt,
			Seed:            r.Seed,
			Output:          r.Output,
			ErrorKind:       r.ErrorKind,
			Tokens:          r.Tokens,
			TokensPerSecond: r.TokensPerSecond,
			DurationMillis:  r.Duration.Milliseconds(),
		})
	}
	return out, nil
}

func (m *Manager) finishState() {
	m.mu.Lock()
	if m.handle != nil {
		m.state = StateReady
	} else if m.state == StateGenerating {
		m.state = StateIdle
	}
	m.mu.Unlock()
}
