package replicant

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnEstCount          = []string{"replicant", "connection", "established", "count"}
	MetricConnErrorCount        = []string{"replicant", "connection", "error", "count"}
	MetricConnClosedCount       = []string{"replicant", "connection", "closed", "count"}
	MetricConnLive              = []string{"replicant", "connection", "live"}
	MetricMessageInCount        = []string{"replicant", "message", "in", "count"}
	MetricMessageOutCount       = []string{"replicant", "message", "out", "count"}
	MetricMessageInBytes        = []string{"replicant", "message", "in", "bytes"}
	MetricMessageOutBytes       = []string{"replicant", "message", "out", "bytes"}
	MetricMessageDroppedCount   = []string{"replicant", "message", "dropped", "count"}
	MetricMessageRejectedCount  = []string{"replicant", "message", "rejected", "count"}
	MetricAuthCount             = []string{"replicant", "auth", "count"}
	MetricAuthErrorCount        = []string{"replicant", "auth", "error", "count"}
	MetricEntityCount           = []string{"replicant", "entity", "count"}
	MetricReplicationSendCount  = []string{"replicant", "replication", "send", "count"}
	MetricReplicationSubscribed = []string{"replicant", "replication", "subscribed", "count"}
	MetricUDPBufferSizeBytes    = []string{"replicant", "udp", "buffer", "size", "bytes"}
	MetricTickDuration          = []string{"replicant", "tick", "duration"}
)

type TelemetryLabel string

var (
	LabelError        TelemetryLabel = "error"
	LabelConnID       TelemetryLabel = "conn_id"
	LabelPeerAddr     TelemetryLabel = "peer_addr"
	LabelPeerIdentity TelemetryLabel = "peer_identity"
	LabelPeerRole     TelemetryLabel = "peer_role"
	LabelMessageID    TelemetryLabel = "message_id"
	LabelEndpoint     TelemetryLabel = "endpoint"
	LabelEntity       TelemetryLabel = "entity"
	LabelComponent    TelemetryLabel = "component"
	LabelTrust        TelemetryLabel = "trust"
	LabelPerspective  TelemetryLabel = "perspective"
	LabelDuration     TelemetryLabel = "duration"
	LabelReason       TelemetryLabel = "reason"
	LabelNode         TelemetryLabel = "node"
	LabelCandidate    TelemetryLabel = "candidate"
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

// withLabels never aliases base.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}

type Perspective uint8

const (
	ClientPerspective Perspective = iota
	ServerPerspective
)

func (p Perspective) String() string {
	if p == ServerPerspective {
		return "server"
	}
	return "client"
}
