// Package workflow owns the upload, process, preview and download state of
// one session and enforces its transitions.
package workflow

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/example/cutout/internal/blob"
	"github.com/example/cutout/internal/export"
	"github.com/example/cutout/internal/intake"
	"github.com/example/cutout/internal/logging"
	"github.com/example/cutout/internal/repository"
	"github.com/example/cutout/internal/segmentation"
)

const recordTimeout = 5 * time.Second

// RunRepository records finished runs. Failures are logged and never reach the user.
type RunRepository interface {
	SaveRun(ctx context.Context, run *repository.ProcessingRun) error
}

// Config wires a Controller. Runs and ProcessTimeout are optional.
type Config struct {
	SessionID      string
	Store          blob.Store
	Intake         *intake.Reader
	Segmenter      segmentation.Service
	Runs           RunRepository
	ProcessTimeout time.Duration
	Logger         *zap.Logger
}

// Run is one accepted process request.
type Run struct {
	ID         string
	Generation uint64

	source  Image
	started time.Time
	done    chan struct{}

	// written before done is closed
	err    error
	result *Image
	stale  bool
}

// Done is closed once the run has finished and its outcome is committed or discarded.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err is the run's error. Only valid after Done.
func (r *Run) Err() error { return r.err }

// Result is the processed image. Only valid after Done.
func (r *Run) Result() *Image { return r.result }

// Stale reports whether the run was superseded and its outcome dropped. Only valid after Done.
func (r *Run) Stale() bool { return r.stale }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller serialises all triggers of one session. Segmentation runs
// outside the lock; its outcome is applied only if no newer image was
// loaded in the meantime.
type Controller struct {
	id        string
	store     blob.Store
	intake    *intake.Reader
	segmenter segmentation.Service
	runs      RunRepository
	timeout   time.Duration
	logger    *zap.Logger
	clock     func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	machine     *fsm.FSM
	source      *Image
	processed   *Image
	failure     *Failure
	progress    *segmentation.Progress
	generation  uint64
	inflight    *Run
	lastActive  time.Time
	closed      bool
	watchers    map[int]chan Event
	nextWatcher int
}

// New creates an empty controller. A nil Logger discards logs.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logging.WithSession(logger.Named("workflow"), cfg.SessionID)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:        cfg.SessionID,
		store:     cfg.Store,
		intake:    cfg.Intake,
		segmenter: cfg.Segmenter,
		runs:      cfg.Runs,
		timeout:   cfg.ProcessTimeout,
		logger:    logger,
		clock:     time.Now,
		baseCtx:   ctx,
		cancel:    cancel,
		machine:   newMachine(logger),
		watchers:  make(map[int]chan Event),
	}
	c.lastActive = c.clock()
	return c
}

// ID is the session the controller belongs to.
func (c *Controller) ID() string { return c.id }

// Load reads a newly selected file. On success the file becomes the source,
// any processed image and error are cleared, and an in-flight run becomes
// stale. On failure only the error slot changes.
func (c *Controller) Load(ctx context.Context, src io.Reader, filename string) (Snapshot, error) {
	res, readErr := c.intake.Read(ctx, src, filename)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if readErr == nil {
			c.release(ctx, res.Object.Ref)
		}
		return Snapshot{}, ErrClosed
	}
	c.lastActive = c.clock()

	if readErr != nil {
		c.failure = newFailure(FailureRead, readErr)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, readErr
	}

	if err := fire(c.machine, eventLoad); err != nil {
		c.mu.Unlock()
		c.release(ctx, res.Object.Ref)
		return Snapshot{}, err
	}
	superseded := c.refsLocked()
	if c.inflight != nil {
		c.logger.Info("new image supersedes in-flight run", zap.String("run_id", c.inflight.ID))
		c.inflight = nil
	}
	c.generation++
	c.source = &Image{
		Ref:         res.Object.Ref,
		ContentType: res.Object.ContentType,
		Size:        res.Object.Size,
		Width:       res.Width,
		Height:      res.Height,
		Filename:    res.Filename,
	}
	c.processed = nil
	c.failure = nil
	c.progress = nil
	c.notifyLocked("")
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.release(ctx, superseded...)
	return snap, nil
}

// Process starts background removal of the current source. The run
// outlives the caller's request; follow it with Watch or Run.Done.
func (c *Controller) Process() (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	c.lastActive = c.clock()
	switch {
	case c.machine.Is(string(PhaseProcessing)):
		return nil, ErrBusy
	case c.machine.Is(string(PhaseDone)):
		return nil, ErrAlreadyDone
	case c.source == nil:
		return nil, ErrNoSource
	}
	if err := fire(c.machine, eventProcess); err != nil {
		return nil, err
	}

	c.generation++
	run := &Run{
		ID:         uuid.NewString(),
		Generation: c.generation,
		source:     *c.source,
		started:    c.clock(),
		done:       make(chan struct{}),
	}
	c.inflight = run
	c.failure = nil
	c.progress = nil
	c.notifyLocked(run.ID)

	c.logger.Info("processing started",
		zap.String("run_id", run.ID),
		zap.String("source", run.source.Ref.String()),
	)
	go c.execute(run)
	return run, nil
}

func (c *Controller) execute(run *Run) {
	defer close(run.done)

	ctx := c.baseCtx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var sum string
	result, err := func() (*Image, error) {
		data, _, err := c.store.Get(ctx, run.source.Ref)
		if err != nil {
			return nil, fmt.Errorf("resolve source: %w", err)
		}
		digest := sha1.Sum(data)
		sum = hex.EncodeToString(digest[:])

		out, err := c.segmenter.Remove(ctx, data, segmentation.Options{
			Progress: func(p segmentation.Progress) { c.reportProgress(run, p) },
		})
		if err != nil {
			return nil, err
		}
		return c.storeResult(ctx, out)
	}()
	c.complete(run, result, err, sum)
}

func (c *Controller) storeResult(ctx context.Context, data []byte) (*Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	obj, err := c.store.Put(ctx, data, mimetype.Detect(data).String())
	if err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	return &Image{
		Ref:         obj.Ref,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

func (c *Controller) reportProgress(run *Run, p segmentation.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != run {
		return
	}
	if c.progress != nil && p.Fraction < c.progress.Fraction {
		return
	}
	c.progress = &p
	c.notifyLocked(run.ID)
}

func (c *Controller) complete(run *Run, result *Image, err error, sum string) {
	opLogger := logging.WithOperation(c.logger, "workflow.process", run.ID)

	c.mu.Lock()
	if c.inflight != run {
		c.mu.Unlock()
		run.stale = true
		run.err = err
		if result != nil {
			c.release(context.Background(), result.Ref)
		}
		opLogger.Info("discarded stale result", zap.Error(err))
		c.record(run, repository.OutcomeStale, sum, err)
		return
	}

	c.inflight = nil
	c.progress = nil
	outcome := repository.OutcomeSucceeded
	if err != nil {
		outcome = repository.OutcomeFailed
		err = &ProcessingError{RunID: run.ID, Err: err}
		if fireErr := fire(c.machine, eventFail); fireErr != nil {
			opLogger.Error("workflow transition failed", zap.Error(fireErr))
		}
		c.failure = newFailure(FailureProcessing, err)
		run.err = err
	} else {
		if fireErr := fire(c.machine, eventSucceed); fireErr != nil {
			opLogger.Error("workflow transition failed", zap.Error(fireErr))
		}
		c.processed = result
		run.result = result
	}
	c.notifyLocked(run.ID)
	c.mu.Unlock()

	if err != nil {
		opLogger.Warn("processing failed", zap.Error(err))
	} else {
		opLogger.Info("processing succeeded",
			zap.String("result", result.Ref.String()),
			zap.Duration("latency", c.clock().Sub(run.started)),
		)
	}
	c.record(run, outcome, sum, err)
}

func (c *Controller) record(run *Run, outcome, sum string, err error) {
	if c.runs == nil {
		return
	}
	now := c.clock()
	row := &repository.ProcessingRun{
		RunID:      run.ID,
		SessionID:  c.id,
		Generation: run.Generation,
		SourceSHA1: sum,
		Outcome:    outcome,
		LatencyMs:  now.Sub(run.started).Milliseconds(),
		CreatedAt:  now.UTC(),
	}
	if err != nil {
		row.Detail = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if saveErr := c.runs.SaveRun(ctx, row); saveErr != nil {
		c.logger.Warn("failed to record processing run", zap.String("run_id", run.ID), zap.Error(saveErr))
	}
}

// Download hands the processed image to saver as processed_image.png.
// Save failures go to the error slot; the processed image stays available.
func (c *Controller) Download(ctx context.Context, saver export.Saver) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastActive = c.clock()
	if !c.machine.Is(string(PhaseDone)) || c.processed == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	ref := c.processed.Ref
	c.mu.Unlock()

	err := saver.Save(ctx, ref, export.DefaultFilename)
	var saveErr *export.SaveError
	if err != nil && !errors.As(err, &saveErr) {
		err = &export.SaveError{Filename: export.DefaultFilename, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.processed != nil && c.processed.Ref == ref
	if err != nil {
		if current {
			c.failure = newFailure(FailureSave, err)
		}
		c.logger.Warn("download failed", zap.String("ref", ref.String()), zap.Error(err))
		return err
	}
	if current && c.failure != nil && c.failure.Kind == FailureSave {
		c.failure = nil
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Owns reports whether ref is the session's current source or processed image.
func (c *Controller) Owns(ref blob.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.source != nil && c.source.Ref == ref) || (c.processed != nil && c.processed.Ref == ref)
}

// Busy reports whether a run is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

func (c *Controller) busyLocked() bool {
	return c.machine.Is(string(PhaseProcessing))
}

// LastActive is when the session last loaded, processed, downloaded or was touched.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Touch marks the session as in use without changing its state.
func (c *Controller) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = c.clock()
}

// Watch subscribes to state events. Events are dropped when the buffer is
// full. The channel is closed by cancel or Close.
func (c *Controller) Watch(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(w)
			}
		})
	}
}

// Close cancels any in-flight run, releases the session's blobs and resets
// the machine. Later triggers return ErrClosed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	refs, err := c.closeLocked()
	c.mu.Unlock()

	c.release(ctx, refs...)
	c.logger.Debug("session closed")
	return err
}

// CloseIfIdle closes the controller only if no run is in flight and it has
// not been active after cutoff. The check and the close happen atomically.
func (c *Controller) CloseIfIdle(ctx context.Context, cutoff time.Time) (bool, error) {
	c.mu.Lock()
	if c.closed || c.busyLocked() || c.lastActive.After(cutoff) {
		c.mu.Unlock()
		return false, nil
	}
	refs, err := c.closeLocked()
	c.mu.Unlock()

	c.release(ctx, refs...)
	c.logger.Debug("idle session closed")
	return true, err
}

func (c *Controller) closeLocked() ([]blob.Ref, error) {
	c.closed = true
	c.cancel()
	err := fire(c.machine, eventClose)
	refs := c.refsLocked()
	c.source, c.processed, c.failure, c.progress, c.inflight = nil, nil, nil, nil, nil
	c.generation++
	for id, w := range c.watchers {
		delete(c.watchers, id)
		close(w)
	}
	return refs, err
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:      Phase(c.machine.Current()),
		Generation: c.generation,
	}
	if c.source != nil {
		img := *c.source
		s.Source = &img
	}
	if c.processed != nil {
		img := *c.processed
		s.Processed = &img
	}
	if c.failure != nil {
		f := *c.failure
		s.Failure = &f
	}
	if c.progress != nil {
		p := *c.progress
		s.Progress = &p
	}
	return s
}

func (c *Controller) refsLocked() []blob.Ref {
	var refs []blob.Ref
	if c.source != nil {
		refs = append(refs, c.source.Ref)
	}
	if c.processed != nil {
		refs = append(refs, c.processed.Ref)
	}
	return refs
}

func (c *Controller) notifyLocked(runID string) {
	ev := Event{
		Phase:      Phase(c.machine.Current()),
		Generation: c.generation,
		RunID:      runID,
	}
	if c.progress != nil {
		p := *c.progress
		ev.Progress = &p
	}
	for _, w := range c.watchers {
		select {
		case w <- ev:
		default:
		}
	}
}

func (c *Controller) release(ctx context.Context, refs ...blob.Ref) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		if err := c.store.Release(ctx, ref); err != nil && !errors.Is(err, blob.ErrNotFound) {
			c.logger.Warn("failed to release blob", zap.String("ref", ref.String()), zap.Error(err))
		}
	}
}
