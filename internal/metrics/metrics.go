// Package metrics holds the prometheus collectors of the composition pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the pipeline counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Uploads          *prometheus.CounterVec
	UploadBytes      prometheus.Counter
	Submissions      *prometheus.CounterVec
	BlockedSubmits   *prometheus.CounterVec
	RejectedAttaches *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymail",
			Name:      "uploads_total",
			Help:      "Pre-uploads of large attachments by outcome",
		}, []string{"outcome"}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymail",
			Name:      "upload_bytes_total",
			Help:      "Bytes of large attachments successfully pre-uploaded",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymail",
			Name:      "submissions_total",
			Help:      "Submissions dispatched to the relay by outcome",
		}, []string{"relay", "outcome"}),
		BlockedSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymail",
			Name:      "submissions_blocked_total",
			Help:      "Submit attempts blocked before dispatch by reason",
		}, []string{"reason"}),
		RejectedAttaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymail",
			Name:      "attachments_rejected_total",
			Help:      "Attachment batches rejected during classification by reason",
		}, []string{"reason"}),
	}

	m.Registry.MustRegister(m.Uploads, m.UploadBytes, m.Submissions, m.BlockedSubmits, m.RejectedAttaches)
	return m
}

// UploadFinished records the outcome of one pre-upload.
func (m *Metrics) UploadFinished(outcome string, size int64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.UploadBytes.Add(float64(size))
	}
}

// SubmissionFinished records the outcome of one dispatched submission.
func (m *Metrics) SubmissionFinished(relay, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(relay, outcome).Inc()
}

// SubmissionBlocked records a submit attempt stopped during validation.
func (m *Metrics) SubmissionBlocked(reason string) {
	if m == nil {
		return
	}
	m.BlockedSubmits.WithLabelValues(reason).Inc()
}

// AttachmentsRejected records a rejected attachment batch.
func (m *Metrics) AttachmentsRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedAttaches.WithLabelValues(reason).Inc()
}
