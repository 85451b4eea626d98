package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/config"
	"routing-hub/internal/crypto"
	"routing-hub/internal/routing"
)

type binding struct {
	transport Transport
	target    string
}

// Dispatcher maps route ids to a transport and target and performs delivery
type Dispatcher struct {
	mu         sync.RWMutex
	transports map[string]Transport
	routes     map[string]binding
	down       map[string]bool // transports whose last Connect failed
	logger     logging.Logger
	now        func() time.Time

	reconnectMu sync.Mutex
}

func NewDispatcher(logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Dispatcher{
		transports: make(map[string]Transport),
		routes:     make(map[string]binding),
		down:       make(map[string]bool),
		logger:     logger.WithFields(logging.Component("dispatcher")),
		now:        time.Now,
	}
}

// Build creates every transport in rf through registry and binds its routes
func Build(rf *config.RouteFile, registry *Registry, sealer *crypto.Sealer, logger logging.Logger) (*Dispatcher, error) {
	d := NewDispatcher(logger)
	for _, spec := range rf.Transports {
		t, err := registry.Create(spec, sealer)
		if err != nil {
			d.Close()
			return nil, err
		}
		if err := d.AddTransport(t); err != nil {
			t.Close()
			d.Close()
			return nil, err
		}
	}
	for _, r := range rf.Routes {
		if err := d.Bind(r.ID, r.Transport, r.Target); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// AddTransport registers a transport instance under its name
func (d *Dispatcher) AddTransport(t Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.transports[t.Name()]; exists {
		return errors.ValidationError(fmt.Sprintf("duplicate transport name %q", t.Name()))
	}
	d.transports[t.Name()] = t
	return nil
}

// Bind sends routeID's traffic to target over the named transport
func (d *Dispatcher) Bind(routeID, transportName, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transports[transportName]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("transport %s", transportName))
	}
	d.routes[routeID] = binding{transport: t, target: target}
	return nil
}

// Transport returns the named transport
func (d *Dispatcher) Transport(name string) (Transport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transports[name]
	return t, ok
}

// Connect connects every transport and returns the failures keyed by
// transport name. A failed transport stays registered and is connected
// again by the next Send over one of its routes.
func (d *Dispatcher) Connect(ctx context.Context) map[string]error {
	d.mu.RLock()
	transports := make([]Transport, 0, len(d.transports))
	for _, t := range d.transports {
		transports = append(transports, t)
	}
	d.mu.RUnlock()

	failures := make(map[string]error)
	for _, t := range transports {
		if err := t.Connect(ctx); err != nil {
			d.logger.Error("Failed to connect transport", err, logging.String("transport", t.Name()))
			failures[t.Name()] = err
			d.setDown(t.Name(), true)
			continue
		}
		d.setDown(t.Name(), false)
		d.logger.Info("Transport connected",
			logging.String("transport", t.Name()),
			logging.String("type", t.Type()),
		)
	}
	return failures
}

// RoutesFor lists the routes bound to a transport, sorted
func (d *Dispatcher) RoutesFor(transportName string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, b := range d.routes {
		if b.transport.Name() == transportName {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Send delivers msg over routeID. Every failure is returned as a transport
// error naming the route.
func (d *Dispatcher) Send(ctx context.Context, routeID string, msg *routing.Message) error {
	d.mu.RLock()
	b, ok := d.routes[routeID]
	d.mu.RUnlock()
	if !ok {
		return errors.TransportError(routeID, errors.UnknownRouteError(routeID))
	}

	if err := d.reconnect(ctx, b.transport); err != nil {
		return errors.TransportError(routeID, err).
			WithContext("transport", b.transport.Name())
	}

	env := NewEnvelope(routeID, msg, d.now())
	if err := b.transport.Send(ctx, b.target, env); err != nil {
		return errors.TransportError(routeID, err).
			WithContext("transport", b.transport.Name()).
			WithContext("target", b.target)
	}
	return nil
}

func (d *Dispatcher) setDown(name string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if down {
		d.down[name] = true
		return
	}
	delete(d.down, name)
}

func (d *Dispatcher) isDown(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.down[name]
}

// reconnect connects t again when its last Connect failed. Reconnects are
// serialized so concurrent sends do not dial the same broker twice.
func (d *Dispatcher) reconnect(ctx context.Context, t Transport) error {
	if !d.isDown(t.Name()) {
		return nil
	}
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()
	if !d.isDown(t.Name()) {
		return nil
	}

	if err := t.Connect(ctx); err != nil {
		d.logger.Warn("Transport still unreachable",
			logging.String("transport", t.Name()),
			logging.Err(err),
		)
		return err
	}
	d.setDown(t.Name(), false)
	d.logger.Info("Transport reconnected",
		logging.String("transport", t.Name()),
		logging.String("type", t.Type()),
	)
	return nil
}

// Health reports "ok" or the error text per transport
func (d *Dispatcher) Health() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	status := make(map[string]string, len(d.transports))
	for name, t := range d.transports {
		if err := t.Health(); err != nil {
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}
	return status
}

// Close closes every transport
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, t := range d.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return stderrors.Join(errs...)
}
