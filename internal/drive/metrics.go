package drive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drive_ingestions_total",
		Help: "Archive ingestions by result.",
	}, []string{"result"})

	ingestedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drive_ingested_files_total",
		Help: "Files committed by archive ingestion.",
	})

	ingestedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drive_ingested_bytes_total",
		Help: "Bytes committed by archive ingestion.",
	})

	extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drive_extractions_total",
		Help: "Folder extractions by result.",
	}, []string{"result"})

	blobTransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drive_blob_transfer_duration_seconds",
		Help:    "Duration of single blob puts and gets.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	orphanBlobsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drive_orphan_blobs_total",
		Help: "Blobs that could not be deleted during rollback or node removal.",
	})

	aggregationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drive_aggregation_failures_total",
		Help: "Folder size recomputations that failed and need a retry.",
	})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
