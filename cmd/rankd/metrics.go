package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activitiesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rankd_activities_recorded_total",
	Help: "Number of activity events recorded, by activity type",
}, []string{"type"})

var moderationActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rankd_moderation_actions_total",
	Help: "Number of admin moderation actions taken, by kind",
}, []string{"kind"})

var anomalyScans = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rankd_anomaly_scans_total",
	Help: "Number of anomaly log scans run, by kind",
}, []string{"kind"})

var suspiciousLatched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rankd_suspicious_users_latched_total",
	Help: "Number of users flagged by the suspicious-activity latch",
})
