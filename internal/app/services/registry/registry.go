// Package registry owns the set of live automation-driver sessions (§4.A). It is the canonical entry point every other service consults
// before issuing a command against a device.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/domain/session"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// basePort is the first port probed when allocating an MJPEG stream.
const basePort = 9100

// liveSession is the registry's internal record. The driver and actions
// handles are exclusively owned here and never escape to a caller.
type liveSession struct {
	deviceID  string
	sessionID string
	driver    driver.DriverHandle
	actions   driver.ActionsHandle
	mjpegPort int
	createdAt time.Time
	status    session.Status
}

func (s liveSession) info() session.Info {
	return session.Info{
		DeviceID:  s.deviceID,
		SessionID: s.sessionID,
		MJPEGPort: s.mjpegPort,
		CreatedAt: s.createdAt,
		Status:    s.status,
	}
}

// Registry is a thread-safe map of deviceId -> live session, backed by a
// driver.Factory external collaborator.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*liveSession
	ports    map[int]struct{}

	factory driver.Factory
	log     *logger.Logger
	tracer  core.Tracer
	hooks   core.ObservationHooks

	nextSessionID int64
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger overrides the default logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithTracer overrides the default no-op tracer.
func WithTracer(t core.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithObservationHooks attaches start/complete instrumentation callbacks.
func WithObservationHooks(hooks core.ObservationHooks) Option {
	return func(r *Registry) { r.hooks = hooks }
}

// New constructs a Registry backed by the given driver factory.
func New(factory driver.Factory, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*liveSession),
		ports:    make(map[int]struct{}),
		factory:  factory,
		log:      logger.NewDefault("registry"),
		tracer:   core.NoopTracer,
		hooks:    core.NoopObservationHooks,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements system.Service.
func (r *Registry) Name() string { return "session-registry" }

// Start implements system.Service; the registry has no background work.
func (r *Registry) Start(context.Context) error { return nil }

// Stop destroys every live session.
func (r *Registry) Stop(ctx context.Context) error {
	_ = r.DestroyAll(ctx)
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (r *Registry) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   r.Name(),
		Domain: "device-sessions",
		Layer:  core.LayerAdapter,
	}.WithCapabilities("create", "destroy", "health-probe", "validate")
}

func (r *Registry) allocatePortLocked() int {
	for port := basePort; ; port++ {
		if _, used := r.ports[port]; !used {
			r.ports[port] = struct{}{}
			return port
		}
	}
}

func (r *Registry) releasePortLocked(port int) {
	delete(r.ports, port)
}

func (r *Registry) nextSessionIDLocked() string {
	r.nextSessionID++
	return deviceSessionID(r.nextSessionID)
}

// Create is idempotent: a healthy existing session for deviceID is returned
// unchanged; a dead one is dropped and replaced. See EnsureSession for the
// health-checked variant most callers should use.
func (r *Registry) Create(ctx context.Context, deviceID string) (session.Info, error) {
	done := core.StartObservation(ctx, r.hooks, map[string]string{"op": "create", "device_id": deviceID})
	var err error
	defer func() { done(err) }()

	ctx, end := r.tracer.StartSpan(ctx, "registry.Create", map[string]string{"device_id": deviceID})
	defer func() { end(err) }()

	r.mu.Lock()
	existing, ok := r.sessions[deviceID]
	r.mu.Unlock()

	if ok {
		if r.probeHealthy(ctx, existing) {
			return existing.info(), nil
		}
		r.evict(deviceID)
	}

	r.mu.Lock()
	port := r.allocatePortLocked()
	r.mu.Unlock()

	dh, ah, createErr := r.factory.CreateSession(ctx, deviceID)
	if createErr != nil {
		r.mu.Lock()
		r.releasePortLocked(port)
		r.mu.Unlock()
		err = &SessionCreationError{DeviceID: deviceID, Err: createErr}
		r.log.WithField("device_id", deviceID).WithError(err).Warn("session creation failed")
		return session.Info{}, err
	}

	r.mu.Lock()
	if raced, exists := r.sessions[deviceID]; exists {
		// Another caller stored a session while this one was connecting.
		r.releasePortLocked(port)
		r.mu.Unlock()
		_ = dh.Close(ctx)
		return raced.info(), nil
	}
	sess := &liveSession{
		deviceID:  deviceID,
		sessionID: r.nextSessionIDLocked(),
		driver:    dh,
		actions:   ah,
		mjpegPort: port,
		createdAt: time.Now().UTC(),
		status:    session.StatusActive,
	}
	r.sessions[deviceID] = sess
	r.mu.Unlock()

	r.log.WithField("device_id", deviceID).WithField("mjpeg_port", port).Info("session created")
	return sess.info(), nil
}

// Destroy stops the session's action handle, releases its MJPEG port, and
// deletes the mapping. Safe to call on unknown ids. The port is released
// even if the remote close call fails.
func (r *Registry) Destroy(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[deviceID]
	if ok {
		delete(r.sessions, deviceID)
		r.releasePortLocked(sess.mjpegPort)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	if err := sess.driver.Close(ctx); err != nil {
		r.log.WithField("device_id", deviceID).WithError(err).Warn("session close failed after eviction")
	}
	r.log.WithField("device_id", deviceID).Info("session destroyed")
	return nil
}

// DestroyAll fans Destroy out over every active session.
func (r *Registry) DestroyAll(ctx context.Context) error {
	r.mu.Lock()
	deviceIDs := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		deviceIDs = append(deviceIDs, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range deviceIDs {
		if err := r.Destroy(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetDriver returns the driver handle for deviceID without transferring
// ownership; ok is false if no session exists.
func (r *Registry) GetDriver(deviceID string) (driver.DriverHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[deviceID]
	if !ok {
		return nil, false
	}
	return sess.driver, true
}

// GetActions returns the actions handle for deviceID without transferring
// ownership; ok is false if no session exists.
func (r *Registry) GetActions(deviceID string) (driver.ActionsHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[deviceID]
	if !ok {
		return nil, false
	}
	return sess.actions, true
}

// GetInfo returns a read-only snapshot of the session for deviceID.
func (r *Registry) GetInfo(deviceID string) (session.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[deviceID]
	if !ok {
		return session.Info{}, false
	}
	return sess.info(), true
}

// probeHealthy performs the cheap round-trip used as a health probe and
// evicts the session under the same call if it fails. Create re-checks the
// map before storing a new session, so two concurrent callers cannot leave
// two sessions for one device.
func (r *Registry) probeHealthy(ctx context.Context, sess *liveSession) bool {
	if _, _, err := sess.actions.WindowSize(ctx); err != nil {
		r.evict(sess.deviceID)
		return false
	}
	return true
}

// evict drops the mapping and releases the port without attempting a remote
// close; used when a session is already known dead.
func (r *Registry) evict(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[deviceID]
	if !ok {
		return
	}
	delete(r.sessions, deviceID)
	r.releasePortLocked(sess.mjpegPort)
}

// CheckHealth performs a cheap round-trip against deviceID's session; on
// failure it evicts the session and returns false.
func (r *Registry) CheckHealth(ctx context.Context, deviceID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[deviceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.probeHealthy(ctx, sess)
}

// EnsureSession is the canonical entry point: it checks health and recreates
// on failure, reporting whether a recreation happened.
func (r *Registry) EnsureSession(ctx context.Context, deviceID string) (info session.Info, recreated bool, err error) {
	if r.CheckHealth(ctx, deviceID) {
		info, _ = r.GetInfo(deviceID)
		return info, false, nil
	}
	info, err = r.Create(ctx, deviceID)
	return info, true, err
}

// ValidationResult partitions a multi-device ensure call, per §4.A.
type ValidationResult struct {
	Validated []string
	Recreated []string
	Failed    []string
}

// ValidateAndEnsureSessions concurrently ensures a session for every device
// id and partitions the outcome.
func (r *Registry) ValidateAndEnsureSessions(ctx context.Context, deviceIDs []string) ValidationResult {
	var (
		mu     sync.Mutex
		result ValidationResult
		wg     sync.WaitGroup
	)

	for _, id := range deviceIDs {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			_, recreated, err := r.EnsureSession(ctx, deviceID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed = append(result.Failed, deviceID)
			case recreated:
				result.Recreated = append(result.Recreated, deviceID)
			default:
				result.Validated = append(result.Validated, deviceID)
			}
		}(id)
	}
	wg.Wait()
	return result
}

func deviceSessionID(n int64) string {
	return fmt.Sprintf("sess-%d", n)
}
