package proxy

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/die-net/portrelay/internal/dialer"
	"github.com/die-net/portrelay/internal/metrics"
	"github.com/die-net/portrelay/internal/store"
)

// Non-fatal Accept errors are retried at most acceptRetryRate times a
// second, so a listener out of file descriptors does not spin.
const acceptRetryRate = 10

// route is what a listener forwards to. It is swapped atomically when an
// entry is updated in place.
type route struct {
	target      string
	description string
}

type listener struct {
	port    uint16
	ln      net.Listener
	route   atomic.Pointer[route]
	metrics *metrics.Collector
	retry   *rate.Limiter
	done    chan struct{}
}

// Manager owns the running listeners, keyed by port. It is safe for
// concurrent use.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	log    logrus.FieldLogger

	mu        sync.Mutex
	listeners map[uint16]*listener
	closed    bool

	wg sync.WaitGroup
}

// NewManager returns a Manager whose listeners and relays live until ctx is
// canceled or Close is called.
func NewManager(ctx context.Context, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		log:       cfg.Logger,
		listeners: make(map[uint16]*listener),
	}
	context.AfterFunc(ctx, func() { _ = m.Close() })

	return m
}

// StartAll starts a listener for every entry. A failure on one port is
// logged and does not prevent the others from starting.
func (m *Manager) StartAll(entries []store.Entry) {
	for _, e := range entries {
		_ = m.StartOne(e.Port, e.Target, e.Description)
	}
}

// StartOne binds ListenHost:port and begins forwarding to target. If a
// listener is already running on port, its target and description are
// replaced instead; connections already relaying keep their old target.
//
// Bind failures are logged and returned as *BindError. They are not retried.
func (m *Manager) StartOne(port uint16, target, description string) error {
	log := m.log.WithFields(logrus.Fields{"port": port, "target": target})
	r := &route{target: target, description: description}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if l, ok := m.listeners[port]; ok {
		l.route.Store(r)
		m.mu.Unlock()
		log.Infof("TCP proxy on port %d now forwards to %s", port, target)
		return nil
	}

	addr := net.JoinHostPort(m.cfg.ListenHost, strconv.Itoa(int(port)))
	ln, err := ListenTCP(m.ctx, "tcp", addr, m.cfg.KeepAlive)
	if err != nil {
		m.mu.Unlock()
		berr := &BindError{Port: port, Addr: addr, Err: err}
		if berr.AddressInUse() {
			log.Warnf("port %d is already in use, skipping", port)
		} else {
			log.WithError(berr).Error("TCP proxy listener error")
		}
		return berr
	}

	l := &listener{
		port:    port,
		ln:      ln,
		metrics: metrics.New(),
		retry:   rate.NewLimiter(acceptRetryRate, 1),
		done:    make(chan struct{}),
	}
	l.route.Store(r)
	m.listeners[port] = l
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.serve(l)
	}()

	log.Infof("TCP proxy listening on port %d -> %s", port, target)
	return nil
}

// Stop closes the listener on port and reports whether one was running.
// Connections already relaying are left alone.
func (m *Manager) Stop(port uint16) bool {
	m.mu.Lock()
	l, ok := m.listeners[port]
	if ok {
		delete(m.listeners, port)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	_ = l.ln.Close()
	<-l.done
	m.log.WithField("port", port).Infof("stopped TCP proxy on port %d", port)
	return true
}

// Running returns the ports with an active listener, in ascending order.
func (m *Manager) Running() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports := make([]uint16, 0, len(m.listeners))
	for port := range m.listeners {
		ports = append(ports, port)
	}
	slices.Sort(ports)
	return ports
}

// Addr returns the bound address of the listener on port, or nil.
func (m *Manager) Addr(port uint16) net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.listeners[port]; ok {
		return l.ln.Addr()
	}
	return nil
}

// Metrics returns a snapshot of every running listener's counters.
func (m *Manager) Metrics() map[uint16]metrics.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint16]metrics.Snapshot, len(m.listeners))
	for port, l := range m.listeners {
		out[port] = l.metrics.Snapshot()
	}
	return out
}

// Close stops every listener, closes live relays and waits for their
// goroutines to exit. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	m.listeners = make(map[uint16]*listener)
	m.mu.Unlock()

	m.cancel()

	var errs []error
	for _, l := range listeners {
		if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) serve(l *listener) {
	defer close(l.done)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.WithField("port", l.port).WithError(err).Warn("accept error")
			if err := l.retry.Wait(m.ctx); err != nil {
				return
			}
			continue
		}

		r := l.route.Load()
		f := &forwarder{
			port:    l.port,
			target:  r.target,
			dialer:  m.cfg.Dialer,
			metrics: l.metrics,
			log: m.log.WithFields(logrus.Fields{
				"port":   l.port,
				"target": r.target,
				"client": conn.RemoteAddr().String(),
				"conn":   uuid.NewString(),
			}),
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			f.serve(m.ctx, conn)
		}()
	}
}
