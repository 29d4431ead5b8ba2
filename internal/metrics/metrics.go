package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "digest_engine"

// Pipeline counters (incremented directly by the orchestrator and workers).
var (
	EpisodesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "episodes_processed_total",
		Help:      "Episodes processed per worker outcome.",
	}, []string{"outcome"})

	TranscriptFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_fetches_total",
		Help:      "Transcript acquisition attempts per result.",
	}, []string{"provider", "result"})

	LLMCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_calls_total",
		Help:      "Structured LLM calls per schema and result.",
	}, []string{"schema", "result"})

	EmbeddingCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_calls_total",
		Help:      "Embedding API calls per result.",
	}, []string{"result"})

	ArcsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arcs_created_total",
		Help:      "New story arcs created.",
	})

	ArcEventsAppendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arc_events_appended_total",
		Help:      "Events appended to story arcs.",
	})
)

func init() {
	prometheus.MustRegister(
		EpisodesProcessedTotal,
		TranscriptFetchesTotal,
		LLMCallsTotal,
		EmbeddingCallsTotal,
		ArcsCreatedTotal,
		ArcEventsAppendedTotal,
	)
}
