package metrics

import (
	"log/slog"
	"time"
)

// Pipeline holds the metrics recorded by the chunk pipeline.
type Pipeline struct {
	registry *Registry
	started  time.Time

	ChunksProcessed   *Counter
	ChunksFailed      *Counter
	BytesIn           *Counter
	BytesOut          *Counter
	SessionsFinalized *Counter
	AnchorsConfirmed  *Counter
	AnchorFailures    *Counter
	ProofsGenerated   *Counter
	KeyRotations      *Counter
	SessionsEvicted   *Counter

	QueueDepth     *Gauge
	ActiveWorkers  *Gauge
	ActiveSessions *Gauge
	PendingAnchors *Gauge

	ChunkDuration    *Histogram
	ChunkSize        *Histogram
	FinalizeDuration *Histogram
	AnchorDuration   *Histogram
}

// NewPipeline registers the pipeline metrics in registry. A nil registry
// gets a private one under the "chunkseal" namespace.
func NewPipeline(registry *Registry) *Pipeline {
	if registry == nil {
		registry = NewRegistry("chunkseal")
	}
	return &Pipeline{
		registry: registry,
		started:  time.Now(),

		ChunksProcessed:   registry.Counter("chunks_processed_total", "Chunks sealed and stored"),
		ChunksFailed:      registry.Counter("chunks_failed_total", "Chunks that failed processing"),
		BytesIn:           registry.Counter("bytes_in_total", "Plaintext bytes accepted"),
		BytesOut:          registry.Counter("bytes_out_total", "Ciphertext bytes handed to storage"),
		SessionsFinalized: registry.Counter("sessions_finalized_total", "Sessions finalized"),
		AnchorsConfirmed:  registry.Counter("anchors_confirmed_total", "Roots confirmed by at least one anchor"),
		AnchorFailures:    registry.Counter("anchor_failures_total", "Anchoring attempts that left a root pending"),
		ProofsGenerated:   registry.Counter("proofs_generated_total", "Inclusion proofs generated"),
		KeyRotations:      registry.Counter("key_rotations_total", "Session key cache rotations"),
		SessionsEvicted:   registry.Counter("sessions_evicted_total", "Finalized sessions evicted from memory"),

		QueueDepth:     registry.Gauge("queue_depth", "Tasks waiting in the worker queue"),
		ActiveWorkers:  registry.Gauge("active_workers", "Workers currently running a task"),
		ActiveSessions: registry.Gauge("active_sessions", "Sessions not yet finalized"),
		PendingAnchors: registry.Gauge("pending_anchors", "Finalized sessions awaiting anchoring"),

		ChunkDuration:    registry.Histogram("chunk_duration_seconds", "Per-chunk processing time", DurationBuckets),
		ChunkSize:        registry.Histogram("chunk_size_bytes", "Plaintext chunk size", SizeBuckets),
		FinalizeDuration: registry.Histogram("finalize_duration_seconds", "Tree build and finalize time", DurationBuckets),
		AnchorDuration:   registry.Histogram("anchor_duration_seconds", "Anchoring round-trip time", DurationBuckets),
	}
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// ObserveChunk records one chunk outcome.
func (p *Pipeline) ObserveChunk(success bool, plaintext, ciphertext int, d time.Duration) {
	p.ChunkDuration.ObserveDuration(d)
	if !success {
		p.ChunksFailed.Inc()
		return
	}
	p.ChunksProcessed.Inc()
	p.BytesIn.Add(uint64(plaintext))
	p.BytesOut.Add(uint64(ciphertext))
	p.ChunkSize.Observe(float64(plaintext))
}

// CipherCounters mirrors the cipher's counters in a snapshot.
type CipherCounters struct {
	Algorithm    string `json:"algorithm"`
	Encryptions  uint64 `json:"encryptions"`
	Decryptions  uint64 `json:"decryptions"`
	AuthFailures uint64 `json:"auth_failures"`
}

// Snapshot is a point-in-time view of pipeline health.
type Snapshot struct {
	ChunksProcessed   uint64         `json:"chunks_processed"`
	ChunksFailed      uint64         `json:"chunks_failed"`
	BytesIn           uint64         `json:"bytes_in"`
	BytesOut          uint64         `json:"bytes_out"`
	SessionsFinalized uint64         `json:"sessions_finalized"`
	AnchorsConfirmed  uint64         `json:"anchors_confirmed"`
	AnchorFailures    uint64         `json:"anchor_failures"`
	ProofsGenerated   uint64         `json:"proofs_generated"`
	KeyRotations      uint64         `json:"key_rotations"`
	QueueDepth        int64          `json:"queue_depth"`
	ActiveWorkers     int64          `json:"active_workers"`
	ActiveSessions    int64          `json:"active_sessions"`
	PendingAnchors    int64          `json:"pending_anchors"`
	AverageLatency    time.Duration  `json:"average_latency_ns"`
	P95Latency        time.Duration  `json:"p95_latency_ns"`
	Uptime            time.Duration  `json:"uptime_ns"`
	Cipher            CipherCounters `json:"cipher"`
	TakenAt           time.Time      `json:"taken_at"`
}

// Snapshot captures the current values. Gauges are read as last set by
// the caller.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		ChunksProcessed:   p.ChunksProcessed.Value(),
		ChunksFailed:      p.ChunksFailed.Value(),
		BytesIn:           p.BytesIn.Value(),
		BytesOut:          p.BytesOut.Value(),
		SessionsFinalized: p.SessionsFinalized.Value(),
		AnchorsConfirmed:  p.AnchorsConfirmed.Value(),
		AnchorFailures:    p.AnchorFailures.Value(),
		ProofsGenerated:   p.ProofsGenerated.Value(),
		KeyRotations:      p.KeyRotations.Value(),
		QueueDepth:        p.QueueDepth.Value(),
		ActiveWorkers:     p.ActiveWorkers.Value(),
		ActiveSessions:    p.ActiveSessions.Value(),
		PendingAnchors:    p.PendingAnchors.Value(),
		AverageLatency:    seconds(p.ChunkDuration.Mean()),
		P95Latency:        seconds(p.ChunkDuration.Quantile(0.95)),
		Uptime:            time.Since(p.started),
		TakenAt:           time.Now(),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// LogValue implements slog.LogValuer so a snapshot logs as a flat group.
func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("chunks_processed", s.ChunksProcessed),
		slog.Uint64("chunks_failed", s.ChunksFailed),
		slog.Uint64("bytes_in", s.BytesIn),
		slog.Uint64("bytes_out", s.BytesOut),
		slog.Int64("queue_depth", s.QueueDepth),
		slog.Int64("active_workers", s.ActiveWorkers),
		slog.Int64("active_sessions", s.ActiveSessions),
		slog.Int64("pending_anchors", s.PendingAnchors),
		slog.Duration("avg_latency", s.AverageLatency),
		slog.Duration("p95_latency", s.P95Latency),
	)
}
