package jobs

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

// natsBridge mirrors job events onto a NATS subject per job, so a second
// process (e.g. a separate API replica handling the subscriber's SSE
// connection) can observe the same stream. In-process delivery via
// Registry.Subscribe does not depend on this; it is a pure broadcast
// fan-out, adapted from natsctx's trace-propagating publish helper.
type natsBridge struct {
	nc         *nats.Conn
	subjectFmt string
}

// NewNATSBridge wires job event mirroring onto subject "<prefix>.<job_id>".
func NewNATSBridge(nc *nats.Conn, prefix string) *natsBridge {
	if prefix == "" {
		prefix = "engine.jobs"
	}
	return &natsBridge{nc: nc, subjectFmt: prefix}
}

func (b *natsBridge) publish(ctx context.Context, jobID string, payload []byte) {
	if b == nil || b.nc == nil {
		return
	}
	hdr := nats.Header{}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: b.subjectFmt + "." + jobID, Data: payload, Header: hdr}
	_ = b.nc.PublishMsg(msg)
}
