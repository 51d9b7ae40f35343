// Package provision drives one pairing session: credentials and location go
// to the device over a short-range link, the controller waits for the device
// to join the network, then confirms it answers on the local network.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weatherpotato/potatolink/internal/ble"
	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/localnet"
)

const (
	DefaultJoinBudget     = 60 * time.Second
	DefaultAttemptTimeout = localnet.DefaultAttemptTimeout
)

// Reachability confirms a device answers on the local network.
// *localnet.Validator implements it.
type Reachability interface {
	Validate(ctx context.Context, hostname, address string, port int, expectedID string, attemptTimeout time.Duration) localnet.Result
}

// EndpointSaver persists the outcome of a successful session.
type EndpointSaver interface {
	Save(ctx context.Context, info device.EndpointInfo) error
}

// Controller runs pairing sessions. It holds no per-session state, so one
// controller may run sessions for different links concurrently.
type Controller struct {
	validator      Reachability
	join           JoinStrategy
	joinBudget     time.Duration
	attemptTimeout time.Duration
	observer       Observer
	store          EndpointSaver
	disableRadio   bool
	tracer         trace.Tracer
	now            func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

func WithJoinStrategy(s JoinStrategy) Option { return func(c *Controller) { c.join = s } }
func WithJoinBudget(d time.Duration) Option { return func(c *Controller) { c.joinBudget = d } }
func WithAttemptTimeout(d time.Duration) Option { return func(c *Controller) { c.attemptTimeout = d } }
func WithObserver(o Observer) Option { return func(c *Controller) { c.observer = o } }
func WithStore(s EndpointSaver) Option { return func(c *Controller) { c.store = s } }
func WithTracer(t trace.Tracer) Option { return func(c *Controller) { c.tracer = t } }
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithDisableRadio makes the controller ask the device to turn its radio off
// before releasing the link.
func WithDisableRadio(on bool) Option { return func(c *Controller) { c.disableRadio = on } }

// NewController returns a controller validating through v.
func NewController(v Reachability, opts ...Option) *Controller {
	c := &Controller{
		validator:      v,
		join:           HybridJoin{Interval: DefaultPollInterval},
		joinBudget:     DefaultJoinBudget,
		attemptTimeout: DefaultAttemptTimeout,
		tracer:         otel.Tracer("github.com/weatherpotato/potatolink/internal/provision"),
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run pairs the device behind link. expectedID may be empty, in which case
// the identity read during the link handshake is used. On success the link
// has been released; on failure it is left to the caller, who may retry.
func (c *Controller) Run(ctx context.Context, link *ble.Link, creds device.Credentials, loc device.Location, expectedID string) (device.EndpointInfo, error) {
	sess := &Session{
		DeviceID:    device.NormalizeID(expectedID),
		Credentials: creds,
		Location:    loc,
		observer:    c.observer,
	}

	ctx, span := c.tracer.Start(ctx, "pairing.session")
	defer span.End()

	info, err := c.run(ctx, sess, link)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		slog.Warn("pairing failed", "device_id", sess.DeviceID, "code", CodeOf(err), "error", err)
		return device.EndpointInfo{}, err
	}
	span.SetAttributes(attribute.String("pairing.method", info.Method))
	slog.Info("pairing succeeded", "device_id", info.DeviceID, "endpoint", info.Endpoint, "method", info.Method)
	return info, nil
}

func (c *Controller) run(ctx context.Context, sess *Session, link *ble.Link) (device.EndpointInfo, error) {
	if link == nil {
		return device.EndpointInfo{}, sess.fail(CodeLinkRequired, errors.New("no short-range link"))
	}
	if err := sess.Credentials.Validate(); err != nil {
		return device.EndpointInfo{}, sess.fail(CodeInvalidInput, err)
	}
	if err := sess.Location.Validate(); err != nil {
		return device.EndpointInfo{}, sess.fail(CodeInvalidInput, err)
	}
	if sess.DeviceID == "" {
		sess.DeviceID = device.NormalizeID(link.Identity().DeviceID)
	}

	// SendingCredentials
	sess.enter(PhaseSendingCredentials)
	err := c.phase(ctx, sess, func(ctx context.Context) error {
		if err := link.WriteCredentials(ctx, sess.Credentials); err != nil {
			return err
		}
		sess.advance(ProgressCredentialsSent)
		if err := link.WriteLocation(ctx, sess.Location); err != nil {
			return err
		}
		sess.advance(ProgressLocationSent)
		return nil
	})
	if err != nil {
		return device.EndpointInfo{}, c.failFrom(ctx, sess, CodeCredentialWriteFailed, err)
	}

	// AwaitingNetworkJoin
	sess.enter(PhaseAwaitingNetworkJoin)
	sess.advance(ProgressAwaitingJoin)
	var st ble.Status
	err = c.phase(ctx, sess, func(ctx context.Context) error {
		jctx, cancel := context.WithTimeout(ctx, c.joinBudget)
		defer cancel()
		var err error
		st, err = c.join.Await(jctx, link)
		return err
	})
	switch {
	case errors.Is(err, ErrNoStatusChannel):
		return device.EndpointInfo{}, sess.fail(CodeUnsupported, err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return device.EndpointInfo{}, sess.fail(CodeNetworkJoinTimeout, fmt.Errorf("no terminal status within %s", c.joinBudget))
	case err != nil:
		return device.EndpointInfo{}, c.failFrom(ctx, sess, CodeNetworkJoinTimeout, err)
	}
	if st.Kind == ble.StatusFailed {
		return device.EndpointInfo{}, sess.fail(CodeDeviceReportedFailure, errors.New(st.Message))
	}
	slog.Info("device joined network", "device_id", sess.DeviceID, "local_ip", st.LocalIP, "hostname", st.Hostname)

	// ValidatingLocalReachability
	sess.enter(PhaseValidatingLocalReachability)
	sess.advance(ProgressValidating)
	hostname := st.Hostname
	if hostname == "" {
		hostname = device.DefaultHostname
	}
	port := st.Port
	if port <= 0 {
		port = device.DefaultPort
	}
	var res localnet.Result
	err = c.phase(ctx, sess, func(ctx context.Context) error {
		res = c.validator.Validate(ctx, hostname, st.LocalIP, port, sess.DeviceID, c.attemptTimeout)
		return ctx.Err()
	})
	if err != nil {
		return device.EndpointInfo{}, c.failFrom(ctx, sess, CodeLocalValidationUnconfirmed, err)
	}

	now := c.now()
	info := device.EndpointInfo{
		DeviceID:      sess.DeviceID,
		Hostname:      hostname,
		IP:            st.LocalIP,
		Port:          port,
		LastSeen:      now.UnixMilli(),
		SetupComplete: true,
	}
	switch {
	case res.Succeeded:
		info.Endpoint = res.Endpoint
		info.Method = res.Method
		info.ConfirmedAt = &now
	case net.ParseIP(st.LocalIP) != nil:
		info.Endpoint = device.BaseURL(st.LocalIP, port)
		info.Method = device.MethodBestEffort
		sess.warn(&PairingError{
			Code:  CodeLocalValidationUnconfirmed,
			Phase: PhaseValidatingLocalReachability,
			Err:   errors.New(res.FailureReason),
		})
		slog.Warn("local reachability unconfirmed, accepting reported address", "device_id", sess.DeviceID, "endpoint", info.Endpoint, "reason", res.FailureReason)
	default:
		return device.EndpointInfo{}, sess.fail(CodeLocalValidationUnconfirmed, errors.New(res.FailureReason))
	}

	// Finalizing
	sess.enter(PhaseFinalizing)
	sess.advance(ProgressFinalizing)
	c.phase(ctx, sess, func(ctx context.Context) error {
		if c.disableRadio {
			if err := link.DisableRadio(ctx); err != nil {
				slog.Warn("disable radio failed", "device_id", sess.DeviceID, "error", err)
			}
		}
		if err := link.Disconnect(); err != nil {
			slog.Warn("link disconnect failed", "device_id", sess.DeviceID, "error", err)
		}
		if c.store != nil {
			if err := c.store.Save(ctx, info); err != nil {
				slog.Warn("endpoint save failed", "device_id", sess.DeviceID, "error", err)
			}
		}
		return nil
	})

	sess.enter(PhaseSucceeded)
	sess.advance(ProgressDone)
	return info, nil
}

// phase runs fn inside a span named after the session's current phase.
func (c *Controller) phase(ctx context.Context, sess *Session, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "pairing."+sess.Phase.String(),
		trace.WithAttributes(attribute.String("device.id", sess.DeviceID)))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// failFrom fails with code unless the caller cancelled, which wins.
func (c *Controller) failFrom(ctx context.Context, sess *Session, code Code, err error) *PairingError {
	if ctx.Err() != nil {
		return sess.fail(CodeCancelled, ctx.Err())
	}
	return sess.fail(code, err)
}
