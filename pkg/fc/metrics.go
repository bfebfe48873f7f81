package fc

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFCBlockingsCount          = []string{"grupo", "fc", "blockings", "count"}
	MetricFCBlockingMillis          = []string{"grupo", "fc", "blocking", "ms"}
	MetricFCUnblockCount            = []string{"grupo", "fc", "unblock", "count"}
	MetricFCCreditRequestsInCount   = []string{"grupo", "fc", "credit_request", "in", "count"}
	MetricFCCreditRequestsOutCount  = []string{"grupo", "fc", "credit_request", "out", "count"}
	MetricFCCreditResponsesInCount  = []string{"grupo", "fc", "replenish", "in", "count"}
	MetricFCCreditResponsesOutCount = []string{"grupo", "fc", "replenish", "out", "count"}
	MetricFCControlInErrorCount     = []string{"grupo", "fc", "control", "in", "error", "count"}
	MetricFCControlOutErrorCount    = []string{"grupo", "fc", "control", "out", "error", "count"}
	MetricFCViewChangesCount        = []string{"grupo", "fc", "view", "changes"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeer       TelemetryLabel = "peer"
	LabelHeaderType TelemetryLabel = "header_type"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
