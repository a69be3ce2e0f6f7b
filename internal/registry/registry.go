// Package registry keeps lightweight metadata about every live session for
// operational visibility. It runs as its own goroutine and is reached only
// through messages, so a slow or failed registry never holds up a session.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("registry: closed")

// Status of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusEnded  Status = "ended"
)

// Update upserts metadata. Zero or nil fields leave the stored value alone.
type Update struct {
	SessionID   string
	Status      Status
	CallCount   *int
	Connections *int
	Stage       string
	At          time.Time
}

// Record is the stored metadata of one session.
type Record struct {
	SessionID   string    `json:"session_id"`
	Status      Status    `json:"status"`
	CallCount   int       `json:"call_count"`
	Connections int       `json:"connections"`
	Stage       string    `json:"stage,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type op int

const (
	opUpdate op = iota
	opUnregister
	opList
	opPurge
)

type request struct {
	op        op
	update    Update
	id        string
	olderThan time.Duration
	reply     chan response
}

type response struct {
	records []Record
	purged  int
}

// Options configures a Registry.
type Options struct {
	// Retention is how long ended records are kept before the periodic
	// purge drops them. Zero disables the periodic purge.
	Retention time.Duration
	// QueueSize bounds pending Notify messages.
	QueueSize int
}

// Registry is the session metadata actor.
type Registry struct {
	requests chan request
	done     chan struct{}
	closed   chan struct{}
	stop     sync.Once
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	records map[string]*Record
}

// New starts a registry.
func New(opts Options, logger *zap.Logger) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		requests: make(chan request, opts.QueueSize),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		records:  make(map[string]*Record),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.done)

	var tick <-chan time.Time
	if r.opts.Retention > 0 {
		interval := r.opts.Retention / 4
		if interval < time.Second {
			interval = time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.closed:
			return
		case <-tick:
			if n := r.purge(r.opts.Retention); n > 0 {
				r.logger.Debug("registry: purged ended sessions", zap.Int("count", n))
			}
		case req := <-r.requests:
			res := r.handle(req)
			if req.reply != nil {
				req.reply <- res
			}
		}
	}
}

func (r *Registry) handle(req request) response {
	switch req.op {
	case opUpdate:
		r.apply(req.update)
	case opUnregister:
		r.apply(Update{SessionID: req.id, Status: StatusEnded, Connections: new(int)})
	case opList:
		out := make([]Record, 0, len(r.records))
		for _, rec := range r.records {
			out = append(out, *rec)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].SessionID < out[j].SessionID
			}
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
		return response{records: out}
	case opPurge:
		return response{purged: r.purge(req.olderThan)}
	}
	return response{}
}

func (r *Registry) apply(u Update) {
	if u.SessionID == "" {
		return
	}
	at := u.At
	if at.IsZero() {
		at = r.now()
	}
	rec, ok := r.records[u.SessionID]
	if !ok {
		rec = &Record{SessionID: u.SessionID, Status: StatusActive, CreatedAt: at}
		r.records[u.SessionID] = rec
	}
	if u.Status != "" {
		rec.Status = u.Status
	}
	if u.CallCount != nil {
		rec.CallCount = *u.CallCount
	}
	if u.Connections != nil {
		rec.Connections = *u.Connections
	}
	if u.Stage != "" {
		rec.Stage = u.Stage
	}
	if at.After(rec.UpdatedAt) {
		rec.UpdatedAt = at
	}
}

func (r *Registry) purge(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)
	n := 0
	for id, rec := range r.records {
		if rec.Status == StatusEnded && !rec.UpdatedAt.After(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n
}

func (r *Registry) send(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case r.requests <- req:
	case <-r.closed:
		return response{}, ErrClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-r.done:
		return response{}, ErrClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Register upserts u and waits until it is applied.
func (r *Registry) Register(ctx context.Context, u Update) error {
	_, err := r.send(ctx, request{op: opUpdate, update: u})
	return err
}

// Notify upserts u without waiting. When the queue is full the update is
// dropped.
func (r *Registry) Notify(u Update) {
	if u.At.IsZero() {
		u.At = r.now()
	}
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.requests <- request{op: opUpdate, update: u}:
	default:
		r.logger.Warn("registry: queue full, dropping update", zap.String("session_id", u.SessionID))
	}
}

// Unregister marks a session ended. The record is kept until purged.
func (r *Registry) Unregister(ctx context.Context, sessionID string) error {
	_, err := r.send(ctx, request{op: opUnregister, id: sessionID})
	return err
}

// List returns all records, most recently updated first.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	res, err := r.send(ctx, request{op: opList})
	return res.records, err
}

// Purge drops ended records not updated within olderThan and returns how
// many were removed.
func (r *Registry) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := r.send(ctx, request{op: opPurge, olderThan: olderThan})
	return res.purged, err
}

// Close stops the registry goroutine.
func (r *Registry) Close() {
	r.stop.Do(func() { close(r.closed) })
	<-r.done
}
