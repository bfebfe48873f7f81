package grupo

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	// MetricDatagramInBytes represents how much bytes have been received
	// as QUIC datagrams.
	MetricDatagramInBytes        = []string{"grupo", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"grupo", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"grupo", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"grupo", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"grupo", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"grupo", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"grupo", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"grupo", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"grupo", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"grupo", "connection", "error", "count"}
	MetricConnEstCount           = []string{"grupo", "connection", "established", "count"}
	MetricHostNameChanges        = []string{"grupo", "host", "name", "changes"}
	MetricHostConflictsCount     = []string{"grupo", "host", "name", "conflicts", "count"}

	MetricChannelMsgInCount       = []string{"grupo", "channel", "msg", "in", "count"}
	MetricChannelMsgInErrorCount  = []string{"grupo", "channel", "msg", "in", "error", "count"}
	MetricChannelMsgOutBytes      = []string{"grupo", "channel", "msg", "out", "bytes"}
	MetricChannelMsgDroppedCount  = []string{"grupo", "channel", "msg", "dropped", "count"}
	MetricChannelMsgOutErrorCount = []string{"grupo", "channel", "msg", "out", "error", "count"}
	MetricChannelViewChanges      = []string{"grupo", "channel", "view", "changes"}
	MetricChannelViewSize         = []string{"grupo", "channel", "view", "size"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelStreamMode TelemetryLabel = "stream_mode"
	LabelStreamID   TelemetryLabel = "stream_id"
	LabelDuration   TelemetryLabel = "duration"
	LabelView       TelemetryLabel = "view"
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

func labelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, LabelPeerName.M(addr.Name))
	}
	return labels
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}
