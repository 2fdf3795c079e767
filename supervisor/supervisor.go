package supervisor

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/neuroplc/cortex/buffer"
	"github.com/neuroplc/cortex/cache"
	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/engine"
	"github.com/neuroplc/cortex/learning"
	"github.com/neuroplc/cortex/safety"
	"github.com/neuroplc/cortex/store"
	"github.com/neuroplc/cortex/tools"
	"github.com/neuroplc/cortex/twin"
)

// Envelope is the audited record of one cycle's decision, hashed (via
// canonical JSON + SHA-256) into reasoning_hash and persisted verbatim
// as a DecisionRecord. Field names mirror the wire contract exactly so
// the hash a client recomputes from a persisted record matches the one
// that was actually emitted.
type Envelope struct {
	ObservationHash string            `json:"observation_hash"`
	ConstraintsHash string            `json:"constraints_hash"`
	Candidate       core.Candidate    `json:"candidate"`
	TraceID         string            `json:"trace_id"`
	Approved        bool              `json:"approved"`
	Violations      []string          `json:"violations"`
	Warnings        []string          `json:"warnings"`
	Engine          string            `json:"engine"`
	Model           string            `json:"model,omitempty"`
	LLMLatencyMs    *int64            `json:"llm_latency_ms,omitempty"`
	LLMOutputHash   string            `json:"llm_output_hash,omitempty"`
	ToolTraces      []core.ToolTrace  `json:"tool_traces,omitempty"`
	Critic          *core.CriticFeedback `json:"critic,omitempty"`
}

// Deps bundles every component a Supervisor needs. Nil optional fields
// degrade gracefully (no twin, no learner, no auth).
type Deps struct {
	Engine         *engine.Dispatcher
	Validator      *safety.Validator
	Buffer         *buffer.Buffer
	Store          *store.Store
	Cache          *cache.SemanticCache
	Learner        *learning.Learner
	Twin           *twin.Adapter
	TwinCache      *twin.PropertyCache
	TwinConfig     twin.Config
	Mirror         *cache.RedisMirror
	Auth           *TokenIssuer
	Constraints    core.Constraints
	UpdateInterval time.Duration
	TTLMs          int
	Logger         core.Logger
	Now            func() time.Time
}

// Supervisor runs the per-cycle contract (§4.10): parse, dispatch,
// validate, hash, persist, emit. ListenAndServe serves every accepted
// spine connection concurrently with the same Supervisor instance, each
// in its own goroutine; sequence increases monotonically across
// the lifetime of the instance, not per-connection, matching "sequence
// monotonically increases across the session."
type Supervisor struct {
	deps     Deps
	sequence uint64
	lastTwin atomic.Value // time.Time
}

func New(deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TTLMs == 0 {
		deps.TTLMs = 2000
	}
	s := &Supervisor{deps: deps}
	s.lastTwin.Store(time.Time{})
	return s
}

func randomTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to
		// a zero trace_id rather than panic mid-cycle.
		return hex.EncodeToString(buf[:])
	}
	return hex.EncodeToString(buf[:])
}

// ProcessLine runs one cycle for a single inbound line. It returns a nil
// frame (and nil error) when the line should be skipped — malformed
// JSON or a type other than "state" — per spec step 1.
func (s *Supervisor) ProcessLine(ctx context.Context, line []byte) (*OutboundFrame, error) {
	frame, err := parseInboundFrame(line)
	if err != nil || frame.Type != "state" {
		return nil, nil
	}

	obs := core.Observation{
		TimestampUs:   frame.TimestampUs,
		UnixUs:        frame.UnixUs,
		CycleCount:    frame.CycleCount,
		SafetyState:   frame.SafetyState,
		MotorSpeedRPM: frame.MotorSpeedRPM,
		MotorTempC:    frame.MotorTempC,
		PressureBar:   frame.PressureBar,
		CycleJitterUs: frame.CycleJitterUs,
	}
	constraints := s.deps.Constraints

	traceID := randomTraceID()
	observationHash, _ := core.HashEnvelope(obs)
	constraintsHash, _ := core.HashEnvelope(constraints)

	ac := s.agentContext(obs, constraints)

	var candidate core.Candidate
	engineName := "fallback"
	cacheHit := false

	if s.deps.Cache != nil {
		if c, ok := s.deps.Cache.Lookup(obs, constraints); ok {
			candidate, engineName, cacheHit = c, "cache", true
		}
	}
	if !cacheHit && s.deps.Mirror != nil {
		if c, ok := s.deps.Mirror.Lookup(ctx, obs, constraints); ok {
			candidate, engineName, cacheHit = c, "cache", true
			if s.deps.Cache != nil {
				s.deps.Cache.Store(obs, constraints, candidate)
			}
		}
	}

	if !cacheHit && s.deps.Engine != nil {
		candidate, engineName, err = s.deps.Engine.Dispatch(ctx, obs, constraints, ac)
		if err != nil {
			s.deps.Logger.Error("engine dispatch failed", map[string]interface{}{"trace_id": traceID, "error": err.Error()})
			candidate = core.Candidate{Action: core.ActionFallback, TargetSpeedRPM: obs.MotorSpeedRPM, Confidence: 0}
		}
	}

	var validation safety.ValidationResult
	if s.deps.Validator != nil {
		validation = s.deps.Validator.Validate(candidate, obs, constraints)
		candidate.TargetSpeedRPM = validation.TargetSpeedRPM
	} else {
		validation = safety.ValidationResult{Approved: true, TargetSpeedRPM: candidate.TargetSpeedRPM}
	}

	var detail *engine.EngineDetail
	if !cacheHit && s.deps.Engine != nil {
		if d, ok := s.deps.Engine.Active().(engine.Detailer); ok {
			detail = d.LastDetail()
		}
	}

	envelope := Envelope{
		ObservationHash: observationHash,
		ConstraintsHash: constraintsHash,
		Candidate:       candidate,
		TraceID:         traceID,
		Approved:        validation.Approved,
		Violations:      validation.Violations,
		Warnings:        validation.Warnings,
		Engine:          engineName,
	}
	if detail != nil {
		envelope.Model = detail.Model
		envelope.LLMLatencyMs = detail.LLMLatencyMs
		envelope.ToolTraces = detail.ToolTraces
		envelope.Critic = detail.Critic
		if len(detail.ToolTraces) > 0 {
			if h, err := core.HashEnvelope(detail.ToolTraces); err == nil {
				envelope.LLMOutputHash = h
			}
		}
	}

	reasoningHash, err := core.HashEnvelope(envelope)
	if err != nil {
		return nil, core.NewCortexError("supervisor.ProcessLine", "protocol", err)
	}

	s.persist(ctx, traceID, obs, observationHash, candidate, constraints, constraintsHash, engineName, validation, detail, envelope.LLMOutputHash)

	now := s.deps.Now()
	if validation.Approved {
		if s.deps.Cache != nil {
			s.deps.Cache.Store(obs, constraints, candidate)
		}
		s.deps.Mirror.Store(ctx, obs, constraints, candidate, now)
	}

	sequence := atomic.AddUint64(&s.sequence, 1)

	var targetPtr *float64
	confidence := candidate.Confidence
	if validation.Approved {
		target := candidate.TargetSpeedRPM
		targetPtr = &target
	} else {
		confidence = 0
	}

	var authToken string
	if s.deps.Auth.Enabled() {
		authToken, _ = s.deps.Auth.Sign(now.Unix())
	}

	out := &OutboundFrame{
		Type:            "recommendation",
		ProtocolVersion: currentProtocolVersion,
		Sequence:        sequence,
		IssuedAtUnixUs:  now.UnixMicro(),
		TTLMs:           s.deps.TTLMs,
		TargetSpeedRPM:  targetPtr,
		Confidence:      confidence,
		ReasoningHash:   reasoningHash,
		ClientUnixUs:    now.UnixMicro(),
		AuthToken:       authToken,
	}

	s.maybePushTwin(ctx, obs, candidate, validation, traceID, now)

	return out, nil
}

func (s *Supervisor) agentContext(obs core.Observation, constraints core.Constraints) *tools.AgentContext {
	ac := &tools.AgentContext{
		Obs:         obs,
		Constraints: constraints,
		Twin:        s.deps.Twin,
		TwinCache:   s.deps.TwinCache,
		TwinConfig:  s.deps.TwinConfig,
		Store:       s.deps.Store,
		Learner:     s.deps.Learner,
	}
	if s.deps.Buffer != nil {
		ac.SpeedHistory = s.deps.Buffer.SpeedHistory()
		ac.TempHistory = s.deps.Buffer.TempHistory()
	}
	return ac
}

func (s *Supervisor) persist(ctx context.Context, traceID string, obs core.Observation, obsHash string, candidate core.Candidate, constraints core.Constraints, constraintsHash string, engineName string, validation safety.ValidationResult, detail *engine.EngineDetail, llmOutputHash string) {
	if s.deps.Buffer != nil {
		s.deps.Buffer.Add(obs, obs.UnixUs)
	}
	if s.deps.Store == nil {
		return
	}

	rec := core.DecisionRecord{
		TraceID:         traceID,
		TimestampUs:     obs.UnixUs,
		Observation:     obs,
		ObservationHash: obsHash,
		Candidate:       candidate,
		Constraints:     constraints,
		ConstraintsHash: constraintsHash,
		Engine:          engineName,
		Approved:        validation.Approved,
		Violations:      validation.Violations,
		Warnings:        validation.Warnings,
		LLMOutputHash:   llmOutputHash,
	}
	if detail != nil {
		rec.Model = detail.Model
		rec.LLMLatencyMs = detail.LLMLatencyMs
		rec.ToolTraces = detail.ToolTraces
	}

	// PersistenceFailure policy: log once, continue; never block the cycle.
	if err := s.deps.Store.RecordDecision(ctx, rec); err != nil {
		s.deps.Logger.Error("decision persistence failed", map[string]interface{}{"trace_id": traceID, "error": err.Error()})
	}
}

func (s *Supervisor) maybePushTwin(ctx context.Context, obs core.Observation, candidate core.Candidate, validation safety.ValidationResult, traceID string, now time.Time) {
	if s.deps.Twin == nil || s.deps.UpdateInterval <= 0 {
		return
	}
	last, _ := s.lastTwin.Load().(time.Time)
	if now.Sub(last) < s.deps.UpdateInterval {
		return
	}
	s.lastTwin.Store(now)

	if err := s.deps.Twin.UpdateOperational(ctx, obs); err != nil {
		s.deps.Logger.Warn("twin operational push failed", map[string]interface{}{"trace_id": traceID, "error": err.Error()})
	}
	rec := core.Recommendation{
		Action:         candidate.Action,
		TargetSpeedRPM: candidate.TargetSpeedRPM,
		Confidence:     candidate.Confidence,
		Reasoning:      candidate.Reasoning,
		Approved:       validation.Approved,
		Violations:     validation.Violations,
		Warnings:       validation.Warnings,
		TraceID:        traceID,
	}
	if err := s.deps.Twin.UpdateRecommendation(ctx, rec); err != nil {
		s.deps.Logger.Warn("twin recommendation push failed", map[string]interface{}{"trace_id": traceID, "error": err.Error()})
	}
}

// Serve drives one spine connection until it closes or ctx is canceled,
// reading newline-delimited JSON frames and writing a recommendation
// frame for every accepted state frame.
func (s *Supervisor) Serve(ctx context.Context, conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		out, err := s.ProcessLine(ctx, line)
		if err != nil {
			s.deps.Logger.Error("process line failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if out == nil {
			continue
		}

		data, err := json.Marshal(out)
		if err != nil {
			s.deps.Logger.Error("marshal outbound frame failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if _, err := writer.Write(data); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ListenAndServe accepts connections on addr and serves each with Serve,
// reconnecting to new clients with bounded backoff on accept errors.
// Only a listener failure (not a per-connection error) stops the loop.
func ListenAndServe(ctx context.Context, addr string, s *Supervisor) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			time.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		go func() {
			defer conn.Close()
			if err := s.Serve(ctx, conn); err != nil {
				s.deps.Logger.Warn("connection closed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
}
