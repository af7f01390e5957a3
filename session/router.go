package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/metrics"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

const tracerName = "github.com/thiratt/nekoshare-gateway/session"

const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomePanic   = "panic"
	outcomeUnknown = "unknown"
)

// Handler processes one packet. r is positioned after the header.
type Handler func(ctx context.Context, c *Connection, r *protocol.Reader, requestID int32) error

var (
	dispatchTotal = metrics.NewCounter(&metrics.VectorOption{
		Namespace: "nekoshare",
		Subsystem: "router",
		Name:      "packets_total",
		Help:      "inbound packets by transport, type and outcome",
		Labels:    []string{"transport", "type", "outcome"},
	})
	dispatchDuration = metrics.NewHistogram(&metrics.HistogramVecOpts{
		VectorOption: metrics.VectorOption{
			Namespace: "nekoshare",
			Subsystem: "router",
			Name:      "handler_duration_seconds",
			Help:      "packet handler latency",
			Labels:    []string{"transport", "type"},
		},
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
)

// Router maps packet types to handlers for one transport. Handlers are
// registered at bootstrap; the table is read only once Seal is called.
type Router struct {
	transport Transport
	handlers  map[protocol.PacketType]Handler
	sealed    atomic.Bool
	tracer    trace.Tracer
	log       *zap.Logger
}

func NewRouter(transport Transport) *Router {
	return &Router{
		transport: transport,
		handlers:  make(map[protocol.PacketType]Handler),
		tracer:    otel.Tracer(tracerName),
		log:       xlog.Transport(transport.String()),
	}
}

func (r *Router) Transport() Transport {
	return r.transport
}

// Register binds h to t. Each type accepts exactly one handler.
func (r *Router) Register(t protocol.PacketType, h Handler) error {
	if r.sealed.Load() {
		return ErrRouterSealed
	}
	if h == nil {
		return ErrNilHandler
	}
	if !t.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownPacketType, t)
	}
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister is Register that panics on error.
func (r *Router) MustRegister(t protocol.PacketType, h Handler) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

// Seal freezes the handler table.
func (r *Router) Seal() {
	r.sealed.Store(true)
}

// Handles reports whether a handler is registered for t.
func (r *Router) Handles(t protocol.PacketType) bool {
	_, ok := r.handlers[t]
	return ok
}

// Dispatch decodes the header of payload and runs the matching handler.
// Failures are reported to the peer as ERROR_GENERIC and never escape.
func (r *Router) Dispatch(ctx context.Context, c *Connection, payload []byte) {
	rd := protocol.NewReader(payload)
	h, err := protocol.ReadHeader(rd)
	if err != nil {
		c.log.Warn("malformed packet header", zap.Int("size", len(payload)))
		return
	}

	typeLabel := h.Type.String()
	ctx, span := r.tracer.Start(ctx, "packet "+typeLabel,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("nekoshare.connection.id", c.ID()),
			attribute.String("nekoshare.transport", r.transport.String()),
			attribute.Int("nekoshare.packet.type", int(h.Type)),
			attribute.String("nekoshare.request.id", strconv.FormatInt(int64(h.RequestID), 10)),
		))
	defer span.End()

	handler, ok := r.handlers[h.Type]
	if !ok {
		dispatchTotal.Inc(r.transport.String(), typeLabel, outcomeUnknown)
		span.SetStatus(codes.Error, msgUnknown)
		c.log.Warn("no handler for packet", zap.Stringer("type", h.Type), zap.Int32("request", h.RequestID))
		if h.RequestID != 0 {
			_ = c.SendError(h.RequestID, msgUnknown)
		}
		return
	}

	start := time.Now()
	err = r.invoke(ctx, handler, c, rd, h.RequestID)
	dispatchDuration.Observe(time.Since(start).Seconds(), r.transport.String(), typeLabel)
	if err == nil {
		dispatchTotal.Inc(r.transport.String(), typeLabel, outcomeOK)
		return
	}

	outcome := outcomeError
	if errors.Is(err, ErrHandlerPanic) {
		outcome = outcomePanic
	}
	dispatchTotal.Inc(r.transport.String(), typeLabel, outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, PublicMessage(err))
	c.log.Error("handler failed",
		zap.Stringer("type", h.Type),
		zap.Int32("request", h.RequestID),
		zap.Error(err))

	if errors.Is(err, protocol.ErrShortBuffer) && h.RequestID == 0 {
		return
	}
	_ = c.SendError(h.RequestID, PublicMessage(err))
}

func (r *Router) invoke(ctx context.Context, h Handler, c *Connection, rd *protocol.Reader, requestID int32) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return h(ctx, c, rd, requestID)
}
