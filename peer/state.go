// Package peer coordinates direct device-to-device connections. The gateway
// only relays the signaling: who wants to talk to whom, on which address and
// port. File bytes never pass through it.
package peer

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	State  string
	Reason string
)

const (
	StatePending      State = "PENDING"
	StateInProgress   State = "IN_PROGRESS"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

const (
	ReasonRequested     Reason = "REQUEST_INITIATED"
	ReasonAccepted      Reason = "TARGET_ACCEPTED"
	ReasonStarted       Reason = "CONNECTION_STARTED"
	ReasonExplicit      Reason = "EXPLICIT_DISCONNECT"
	ReasonTimeout       Reason = "TIMEOUT"
	ReasonDeviceOffline Reason = "DEVICE_OFFLINE"
)

// rate limit entries older than this are swept
const rateMemory = time.Minute

var (
	ErrSelf        = errors.New("peer: source and target are the same device")
	ErrRateLimited = errors.New("peer: rate limited")
	ErrNoRequest   = errors.New("peer: no live request")
)

// DuplicateError reports a live pairing that blocks a new request.
type DuplicateError struct {
	RequestID string
	State     State
}

func (e *DuplicateError) Error() string {
	return "peer: connection already " + strings.ToLower(string(e.State))
}

// StateError reports a request that is not in the state an operation needs.
type StateError struct {
	State State
}

func (e *StateError) Error() string {
	return "peer: request is already " + strings.ToLower(string(e.State))
}

type (
	Conf struct {
		PendingTimeout    time.Duration `json:",default=60s"`
		InProgressTimeout time.Duration `json:",default=30s"`
		ConnectedTimeout  time.Duration `json:",default=5m"`
		// Minimum gap between two requests from one device
		RateLimit time.Duration `json:",default=1s"`
		// Disconnected pairs are kept this long so late packets still resolve
		Linger        time.Duration `json:",default=5s"`
		SweepInterval time.Duration `json:",default=30s"`
	}

	// Pair is the signaling state of two devices. DeviceA sorts before DeviceB.
	Pair struct {
		ID           string
		DeviceA      string
		DeviceB      string
		Initiator    string
		State        State
		Reason       Reason
		RequestID    string
		CreatedAt    time.Time
		UpdatedAt    time.Time
		SourceConnID string
		TargetConnID string
		TargetPort   int
	}

	// Request opens a pairing from the source device's connection.
	Request struct {
		Source       string
		Target       string
		SourceConnID string
	}

	Stats struct {
		Total        int
		Pending      int
		InProgress   int
		Connected    int
		Disconnected int
	}

	// Registry holds every pairing in the process.
	Registry struct {
		conf  Conf
		now   func() time.Time
		mu    sync.Mutex
		pairs map[string]*Pair
		rate  map[string]time.Time
	}
)

func (c *Conf) fill() {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 60 * time.Second
	}
	if c.InProgressTimeout <= 0 {
		c.InProgressTimeout = 30 * time.Second
	}
	if c.ConnectedTimeout <= 0 {
		c.ConnectedTimeout = 5 * time.Minute
	}
	if c.RateLimit <= 0 {
		c.RateLimit = time.Second
	}
	if c.Linger <= 0 {
		c.Linger = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

func NewRegistry(conf Conf, now func() time.Time) *Registry {
	conf.fill()
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conf:  conf,
		now:   now,
		pairs: make(map[string]*Pair),
		rate:  make(map[string]time.Time),
	}
}

// PairID is the order independent key of two devices.
func PairID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (r *Registry) newRequestID(now time.Time) string {
	return "peer_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + uuid.NewString()[:8]
}

func (p *Pair) active() bool {
	return p.State != StateDisconnected
}

func (r *Registry) timeout(s State) time.Duration {
	switch s {
	case StatePending:
		return r.conf.PendingTimeout
	case StateInProgress:
		return r.conf.InProgressTimeout
	case StateConnected:
		return r.conf.ConnectedTimeout
	}
	return 0
}

func (r *Registry) expired(p *Pair, now time.Time) bool {
	return now.Sub(p.UpdatedAt) > r.timeout(p.State)
}

func (r *Registry) move(p *Pair, s State, reason Reason, now time.Time) {
	p.State = s
	p.Reason = reason
	p.UpdatedAt = now
}

// Attempt opens a pending pairing and returns its request id. A live pairing
// of the same two devices yields a *DuplicateError; expired or disconnected
// ones are replaced.
func (r *Registry) Attempt(req Request) (string, error) {
	if req.Source == req.Target {
		return "", ErrSelf
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.rate[req.Source]; ok && now.Sub(last) < r.conf.RateLimit {
		return "", ErrRateLimited
	}
	r.rate[req.Source] = now

	id := PairID(req.Source, req.Target)
	if p, ok := r.pairs[id]; ok && p.active() && !r.expired(p, now) {
		return "", &DuplicateError{RequestID: p.RequestID, State: p.State}
	}

	a, b := req.Source, req.Target
	if a > b {
		a, b = b, a
	}
	p := &Pair{
		ID:           id,
		DeviceA:      a,
		DeviceB:      b,
		Initiator:    req.Source,
		State:        StatePending,
		Reason:       ReasonRequested,
		RequestID:    r.newRequestID(now),
		CreatedAt:    now,
		UpdatedAt:    now,
		SourceConnID: req.SourceConnID,
	}
	r.pairs[id] = p
	return p.RequestID, nil
}

// lookup returns the live pairing of requestID, dropping it when it expired.
func (r *Registry) lookup(requestID string, now time.Time) *Pair {
	for id, p := range r.pairs {
		if p.RequestID != requestID {
			continue
		}
		if p.active() && !r.expired(p, now) {
			return p
		}
		delete(r.pairs, id)
		return nil
	}
	return nil
}

// ByRequestID returns a copy of the live pairing opened as requestID.
func (r *Registry) ByRequestID(requestID string) (Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.lookup(requestID, r.now())
	if p == nil {
		return Pair{}, false
	}
	return *p, true
}

// Accept moves a pending pairing to in progress once the target listens on port.
func (r *Registry) Accept(requestID, targetConnID string, port int) (Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p := r.lookup(requestID, now)
	if p == nil {
		return Pair{}, ErrNoRequest
	}
	if p.State != StatePending {
		return Pair{}, &StateError{State: p.State}
	}
	r.move(p, StateInProgress, ReasonAccepted, now)
	p.TargetConnID = targetConnID
	p.TargetPort = port
	return *p, nil
}

// Confirm marks the pairing connected.
func (r *Registry) Confirm(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p := r.lookup(requestID, now)
	if p == nil {
		return false
	}
	r.move(p, StateConnected, ReasonStarted, now)
	return true
}

// Disconnect marks the pairing of a and b disconnected. The sweep removes it
// after Linger.
func (r *Registry) Disconnect(a, b string, reason Reason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[PairID(a, b)]
	if !ok {
		return false
	}
	r.move(p, StateDisconnected, reason, r.now())
	return true
}

// DeviceGone disconnects every live pairing of deviceID and returns how many.
func (r *Registry) DeviceGone(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, p := range r.pairs {
		if (p.DeviceA == deviceID || p.DeviceB == deviceID) && p.active() {
			r.move(p, StateDisconnected, ReasonDeviceOffline, now)
			n++
		}
	}
	return n
}

// Active lists the live pairings of deviceID.
func (r *Registry) Active(deviceID string) []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []Pair
	for _, p := range r.pairs {
		if (p.DeviceA == deviceID || p.DeviceB == deviceID) && p.active() && !r.expired(p, now) {
			out = append(out, *p)
		}
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Total: len(r.pairs)}
	for _, p := range r.pairs {
		switch p.State {
		case StatePending:
			st.Pending++
		case StateInProgress:
			st.InProgress++
		case StateConnected:
			st.Connected++
		case StateDisconnected:
			st.Disconnected++
		}
	}
	return st
}

// Sweep drops expired pairings, disconnected ones older than Linger and stale
// rate limit entries. It returns the number of pairings removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for id, p := range r.pairs {
		switch {
		case p.active() && r.expired(p, now):
		case !p.active() && now.Sub(p.UpdatedAt) >= r.conf.Linger:
		default:
			continue
		}
		delete(r.pairs, id)
		n++
	}
	for dev, at := range r.rate {
		if now.Sub(at) > rateMemory {
			delete(r.rate, dev)
		}
	}
	return n
}
