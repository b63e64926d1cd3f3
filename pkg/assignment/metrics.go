package assignment

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
)

const (
	opAssign   = "assign"
	opUnassign = "unassign"
	opForce    = "force-unassign"
	opStart    = "start"
	opEnd      = "end"

	outcomeConfirmed  = "confirmed"
	outcomeRolledBack = "rolled-back"
	outcomeRejected   = "rejected"
)

type coordinatorMetrics struct {
	requests metric.Int64Counter
}

func newCoordinatorMetrics(l *log.Logger) *coordinatorMetrics {
	meter := otel.GetMeterProvider().Meter("ksm.assignment")
	requests, err := meter.Int64Counter("ksm.assignment.requests",
		metric.WithDescription("race control requests by operation and outcome"))
	if err != nil {
		l.Warn("could not create counter", log.ErrorField(err))
		return &coordinatorMetrics{}
	}
	return &coordinatorMetrics{requests: requests}
}

func (m *coordinatorMetrics) record(ctx context.Context, op, outcome string) {
	if m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome)))
}
