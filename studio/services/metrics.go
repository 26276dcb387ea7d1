package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	diaryWriteMetric   = promauto.NewSummary(prometheus.SummaryOpts{Name: "diary_write", Help: "Diary meal item writes"})
	diaryExportMetric  = promauto.NewSummary(prometheus.SummaryOpts{Name: "diary_export", Help: "Diary CSV exports"})
	planPublishMetric  = promauto.NewSummary(prometheus.SummaryOpts{Name: "plan_publish", Help: "Plan version publications"})
	integrityRunMetric = promauto.NewSummary(prometheus.SummaryOpts{Name: "integrity_run", Help: "Integrity check runs"})
	aiGenerationMetric = promauto.NewSummary(prometheus.SummaryOpts{Name: "ai_generation", Help: "AI generation executions"})

	billingEventsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "billing_webhook_events", Help: "Billing webhook events by outcome"},
		[]string{"outcome"},
	)
)
