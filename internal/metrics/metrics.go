package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MeetingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speakerd_meetings_active",
		Help: "Number of meetings currently being ingested.",
	})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_audio_chunks_total",
		Help: "Raw audio chunks received from the capture boundary.",
	})

	SegmentsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_segments_emitted_total",
		Help: "Utterance segments emitted by the extractor.",
	})

	SegmentsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_segments_discarded_total",
		Help: "Segments discarded for being below the minimum duration floor.",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_stream_reconnects_total",
		Help: "Automatic streaming session reconnect attempts.",
	})

	TokenFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_token_fetch_failures_total",
		Help: "Failed session token fetches.",
	})

	MatchesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_matches_accepted_total",
		Help: "Segments routed directly to a profile by a confident match.",
	})

	RequestsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_identification_requests_opened_total",
		Help: "Identification requests created for unresolved voices.",
	})

	RequestsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speakerd_identification_requests_resolved_total",
		Help: "Identification requests resolved, by final status.",
	}, []string{"status"})

	PersistenceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speakerd_persistence_retries_total",
		Help: "Transient storage failures that were retried.",
	})
)
