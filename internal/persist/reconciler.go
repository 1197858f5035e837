// Package persist turns a stream of local content edits into durable writes.
// Each document owns a small scheduler (idle, scheduled, in flight) that debounces
// bursts, enforces a minimum interval between write starts, skips content that
// storage already holds, and ignores edits that merely echo externally applied content.
package persist

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"go.uber.org/zap"
)

const (
	DefaultDebounce     = time.Second
	DefaultMinInterval  = 500 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned by operations on a stopped reconciler.
	ErrClosed = errors.New("persist: reconciler closed")

	errMissingStore = errors.New("persist: store is required")
)

// Store is the durable storage the reconciler writes through.
type Store interface {
	Read(ctx context.Context, documentID string) (documents.ContentSnapshot, error)
	Write(ctx context.Context, documentID string, write documents.ContentWrite) (documents.WriteOutcome, error)
}

// WriteFailure describes a write that storage refused with an error.
// Origin is the session that produced the content being written.
type WriteFailure struct {
	DocumentID string
	Actor      string
	Origin     string
	Err        error
}

type Config struct {
	Store        Store
	Debounce     time.Duration
	MinInterval  time.Duration
	WriteTimeout time.Duration
	Clock        func() time.Time
	OnFailure    func(WriteFailure)
	Logger       *zap.Logger
}

// Phase is the scheduler state of one document.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScheduled
	PhaseInFlight
)

func (p Phase) String() string {
	switch p {
	case PhaseScheduled:
		return "scheduled"
	case PhaseInFlight:
		return "in_flight"
	default:
		return "idle"
	}
}

type fingerprint [sha256.Size]byte

func fingerprintOf(content string) fingerprint {
	return sha256.Sum256([]byte(content))
}

type edit struct {
	content     string
	fingerprint fingerprint
	actor       string
	origin      string
	editedAt    time.Time
}

type documentState struct {
	mu sync.Mutex

	phase      Phase
	generation uint64
	timer      *time.Timer

	pending  *edit
	inFlight *edit

	known            bool
	knownContent     string
	knownFingerprint fingerprint

	tagged      bool
	externalTag fingerprint

	lastWriteAt time.Time
	retired     bool

	pendingWaiters []chan error
	flightWaiters  []chan error
}

// Reconciler schedules and performs content writes per document.
type Reconciler struct {
	store        Store
	debounce     time.Duration
	minInterval  time.Duration
	writeTimeout time.Duration
	clock        func() time.Time
	onFailure    func(WriteFailure)
	logger       *zap.Logger

	states sync.Map
	closed atomic.Bool
	writes sync.WaitGroup
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	minInterval := cfg.MinInterval
	if minInterval < 0 {
		minInterval = 0
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:        cfg.Store,
		debounce:     debounce,
		minInterval:  minInterval,
		writeTimeout: writeTimeout,
		clock:        clock,
		onFailure:    cfg.OnFailure,
		logger:       logger,
	}, nil
}

// lock returns the locked state of documentID, skipping states retired by Forget.
func (r *Reconciler) lock(documentID string) *documentState {
	for {
		value, ok := r.states.Load(documentID)
		if !ok {
			value, _ = r.states.LoadOrStore(documentID, &documentState{})
		}
		st := value.(*documentState)
		st.mu.Lock()
		if !st.retired {
			return st
		}
		st.mu.Unlock()
	}
}

// Edit records locally produced content for documentID. It reports whether a write
// was scheduled; echoes of external content and content storage already holds are ignored.
func (r *Reconciler) Edit(documentID, content, actor, origin string) bool {
	if r.closed.Load() {
		return false
	}
	fp := fingerprintOf(content)
	st := r.lock(documentID)
	defer st.mu.Unlock()

	if st.tagged && st.externalTag == fp {
		st.tagged = false
		return false
	}
	st.tagged = false

	if st.pending != nil && st.pending.fingerprint == fp {
		st.pending.actor = actor
		st.pending.origin = origin
		if st.phase == PhaseIdle {
			// a retained write after a failure: the next edit retries it
			r.scheduleLocked(documentID, st, r.debounce)
			return true
		}
		return false
	}

	if baseline, ok := st.baseline(); ok && baseline == fp {
		st.dropPendingLocked()
		return false
	}

	st.pending = &edit{
		content:     content,
		fingerprint: fp,
		actor:       actor,
		origin:      origin,
		editedAt:    r.clock(),
	}
	if st.phase != PhaseInFlight {
		r.scheduleLocked(documentID, st, r.debounce)
	}
	return true
}

// ApplyExternal records content that arrived from storage or another instance.
// The next local edit carrying exactly this content is treated as its echo.
func (r *Reconciler) ApplyExternal(documentID, content string) {
	st := r.lock(documentID)
	defer st.mu.Unlock()
	st.applyExternalLocked(content)
}

func (st *documentState) applyExternalLocked(content string) {
	fp := fingerprintOf(content)
	st.known = true
	st.knownContent = content
	st.knownFingerprint = fp
	st.tagged = true
	st.externalTag = fp
	if st.pending != nil && st.pending.fingerprint == fp {
		st.dropPendingLocked()
	}
}

// Current returns the freshest content known for documentID, reading storage when
// nothing is known yet.
func (r *Reconciler) Current(ctx context.Context, documentID string) (string, error) {
	st := r.lock(documentID)
	content, ok := st.currentLocked()
	st.mu.Unlock()
	if ok {
		return content, nil
	}

	snapshot, err := r.store.Read(ctx, documentID)
	if err != nil {
		return "", err
	}

	st = r.lock(documentID)
	defer st.mu.Unlock()
	// A write or external change may have landed while storage was read.
	if content, ok := st.currentLocked(); ok {
		return content, nil
	}
	st.applyExternalLocked(snapshot.Content)
	return snapshot.Content, nil
}

func (st *documentState) currentLocked() (string, bool) {
	switch {
	case st.pending != nil:
		return st.pending.content, true
	case st.inFlight != nil:
		return st.inFlight.content, true
	case st.known:
		return st.knownContent, true
	}
	return "", false
}

// Flush starts the pending write for documentID as soon as the minimum interval
// allows and waits for its outcome.
func (r *Reconciler) Flush(ctx context.Context, documentID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	st := r.lock(documentID)
	if r.closed.Load() {
		st.mu.Unlock()
		return ErrClosed
	}
	if st.pending == nil && st.phase != PhaseInFlight {
		st.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	if st.pending != nil {
		st.pendingWaiters = append(st.pendingWaiters, done)
		if st.phase != PhaseInFlight {
			r.scheduleLocked(documentID, st, 0)
		}
	} else {
		st.flightWaiters = append(st.flightWaiters, done)
	}
	st.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase reports the scheduler state of documentID.
func (r *Reconciler) Phase(documentID string) Phase {
	existing, ok := r.states.Load(documentID)
	if !ok {
		return PhaseIdle
	}
	st := existing.(*documentState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.phase
}

// Forget drops the bookkeeping of an idle document without pending content.
func (r *Reconciler) Forget(documentID string) {
	existing, ok := r.states.Load(documentID)
	if !ok {
		return
	}
	st := existing.(*documentState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.retired || st.phase != PhaseIdle || st.pending != nil {
		return
	}
	st.retired = true
	r.states.Delete(documentID)
}

// FlushAll writes the pending content of every document and waits for the outcomes.
func (r *Reconciler) FlushAll(ctx context.Context) error {
	var documentIDs []string
	r.states.Range(func(key, _ any) bool {
		documentIDs = append(documentIDs, key.(string))
		return true
	})
	var errs []error
	for _, documentID := range documentIDs {
		if err := r.Flush(ctx, documentID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", documentID, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops every timer and waits for writes already in flight.
// Pending content that was not yet written is discarded; call FlushAll first to keep it.
func (r *Reconciler) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.states.Range(func(_, value any) bool {
		st := value.(*documentState)
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.generation++
		if st.phase == PhaseScheduled {
			st.phase = PhaseIdle
		}
		waiters := st.pendingWaiters
		st.pendingWaiters = nil
		st.mu.Unlock()
		resolve(waiters, ErrClosed)
		return true
	})
	r.writes.Wait()
}

func (st *documentState) baseline() (fingerprint, bool) {
	if st.inFlight != nil {
		return st.inFlight.fingerprint, true
	}
	if st.known {
		return st.knownFingerprint, true
	}
	return fingerprint{}, false
}

func (st *documentState) dropPendingLocked() {
	if st.pending == nil {
		return
	}
	st.pending = nil
	if st.phase == PhaseScheduled {
		if st.timer != nil {
			st.timer.Stop()
		}
		st.generation++
		st.phase = PhaseIdle
	}
	waiters := st.pendingWaiters
	st.pendingWaiters = nil
	if st.phase == PhaseInFlight {
		st.flightWaiters = append(st.flightWaiters, waiters...)
		return
	}
	resolve(waiters, nil)
}

func (r *Reconciler) scheduleLocked(documentID string, st *documentState, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if !st.lastWriteAt.IsZero() {
		if floor := r.minInterval - r.clock().Sub(st.lastWriteAt); floor > delay {
			delay = floor
		}
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.generation++
	generation := st.generation
	st.phase = PhaseScheduled
	st.timer = time.AfterFunc(delay, func() {
		r.fire(documentID, st, generation)
	})
}

func (r *Reconciler) fire(documentID string, st *documentState, generation uint64) {
	st.mu.Lock()
	if r.closed.Load() || generation != st.generation || st.phase != PhaseScheduled || st.pending == nil {
		st.mu.Unlock()
		return
	}
	current := st.pending
	st.pending = nil
	st.inFlight = current
	st.phase = PhaseInFlight
	st.lastWriteAt = r.clock()
	st.flightWaiters = append(st.flightWaiters, st.pendingWaiters...)
	st.pendingWaiters = nil
	r.writes.Add(1)
	st.mu.Unlock()

	defer r.writes.Done()
	r.write(documentID, st, current)
}

func (r *Reconciler) write(documentID string, st *documentState, current *edit) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	outcome, err := r.store.Write(ctx, documentID, documents.ContentWrite{
		Content:       current.content,
		UpdatedAt:     r.clock().UTC(),
		LastUpdatedBy: current.actor,
	})
	cancel()

	st.mu.Lock()
	st.inFlight = nil
	waiters := st.flightWaiters
	st.flightWaiters = nil

	switch {
	case err != nil:
		if st.pending == nil {
			st.pending = current
		}
	case outcome.Accepted:
		st.known = true
		st.knownContent = current.content
		st.knownFingerprint = current.fingerprint
	default:
		st.known = true
		st.knownContent = outcome.Stored.Content
		st.knownFingerprint = fingerprintOf(outcome.Stored.Content)
	}

	st.phase = PhaseIdle
	if st.pending != nil && (err == nil || st.pending != current) && !r.closed.Load() {
		delay := r.debounce - r.clock().Sub(st.pending.editedAt)
		if len(st.pendingWaiters) > 0 {
			delay = 0
		}
		r.scheduleLocked(documentID, st, delay)
	}
	st.mu.Unlock()

	resolve(waiters, err)

	if err != nil {
		r.logger.Warn("content write failed",
			zap.String("document_id", documentID),
			zap.String("actor", current.actor),
			zap.Error(err))
		if r.onFailure != nil {
			r.onFailure(WriteFailure{
				DocumentID: documentID,
				Actor:      current.actor,
				Origin:     current.origin,
				Err:        err,
			})
		}
		return
	}
	if !outcome.Accepted {
		r.logger.Info("content write superseded by newer snapshot",
			zap.String("document_id", documentID),
			zap.String("actor", current.actor))
	}
}

func resolve(waiters []chan error, err error) {
	for _, waiter := range waiters {
		waiter <- err
	}
}
