package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blockberries/streamberry/evidence"
	"github.com/blockberries/streamberry/logging"
	"github.com/blockberries/streamberry/privval"
	"github.com/blockberries/streamberry/stream"
	"github.com/blockberries/streamberry/types"
	"github.com/blockberries/streamberry/wal"
)

const (
	// taskResultBufferSize absorbs results from tasks finishing while
	// the reactor is busy.
	taskResultBufferSize = 64

	// maxFutureVotes bounds the buffer of votes for heights not yet
	// started. Oldest entries are dropped first.
	maxFutureVotes = 1000

	// maxFutureProposals bounds the buffer of complete proposals for
	// future heights.
	maxFutureProposals = 64

	// validatorSetRetryInterval is the pause between retries when the
	// application cannot yet produce a height's validator set.
	validatorSetRetryInterval = 500 * time.Millisecond
)

type taskKind uint8

const (
	taskBuild taskKind = iota
	taskValidate
)

type taskKey struct {
	height uint64
	round  uint32
	kind   taskKind
}

// buildResult and validateResult are posted by task goroutines onto the
// reactor's internal event channel.
type buildResult struct {
	height   uint64
	round    uint32
	proposal *stream.Proposal
	err      error
}

type validateResult struct {
	height   uint64
	round    uint32
	proposal *stream.Proposal
	err      error
}

// Driver runs the consensus engine: one reactor goroutine that feeds
// network events, timer events and task results into the active height's
// state machine, and moves to the next height when one decides.
//
// The Driver implements Environment; every callback from the state
// machine executes on the reactor goroutine, so no state here is shared
// between goroutines except the channels.
type Driver struct {
	cfg     Config
	app     Context
	network Network
	signer  privval.Signer
	wlog    wal.WAL
	evpool  *evidence.Pool
	ticker  TimeoutTicker
	logger  *logging.Logger
	metrics Metrics

	sm        *StateMachine
	collector *stream.Collector

	// height mirrors the active state machine's height for callers
	// outside the reactor goroutine.
	height atomic.Uint64

	tasks   map[taskKey]context.CancelFunc
	taskCh  chan any
	decided *types.Decision

	futureVotes     []*types.Vote
	futureProposals []*stream.Proposal

	started bool
	quit    chan struct{}
	done    chan struct{}
}

// NewDriver wires a Driver. Use wal.NewNopWAL to run without a write
// ahead log; the evidence pool is required.
func NewDriver(
	cfg Config,
	app Context,
	network Network,
	signer privval.Signer,
	w wal.WAL,
	evpool *evidence.Pool,
	logger *logging.Logger,
	metrics Metrics,
) *Driver {
	return &Driver{
		cfg:       cfg,
		app:       app,
		network:   network,
		signer:    signer,
		wlog:      w,
		evpool:    evpool,
		ticker:    NewTimeoutTicker(logger),
		logger:    logger.WithComponent("driver"),
		metrics:   metrics,
		collector: stream.NewCollector(),
		tasks:     make(map[taskKey]context.CancelFunc),
		taskCh:    make(chan any, taskResultBufferSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins consensus at the given height. It blocks until that
// height's validator set is available, then launches the reactor.
func (d *Driver) Start(height uint64) error {
	if d.started {
		return ErrAlreadyStarted
	}
	if err := d.wlog.Start(); err != nil {
		return fmt.Errorf("failed to start WAL: %w", err)
	}
	vals, err := d.fetchValidatorSet(height)
	if err != nil {
		return err
	}
	if err := d.ticker.Start(); err != nil {
		return err
	}
	d.logger.Info("starting consensus", logging.ChainID(d.cfg.ChainID), logging.Height(height))
	d.sm = NewStateMachine(d.cfg, height, vals, d.signer.GetAddress(), d, d.logger, d.metrics)
	d.height.Store(height)
	d.started = true
	go d.run()
	return nil
}

// Stop shuts the reactor down and waits for it to exit. In-flight tasks
// are cancelled.
func (d *Driver) Stop() {
	if !d.started {
		return
	}
	close(d.quit)
	<-d.done
	d.ticker.Stop()
	if err := d.wlog.Stop(); err != nil {
		d.logger.Error("failed to stop WAL", logging.Error(err))
	}
}

// Height returns the height currently being decided. Safe to call from
// any goroutine.
func (d *Driver) Height() uint64 {
	return d.height.Load()
}

func (d *Driver) run() {
	defer close(d.done)
	defer d.cancelAllTasks()

	d.sm.Start()
	d.maybeAdvanceHeight()

	events := d.network.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				d.logger.Info("network event channel closed, stopping")
				return
			}
			d.handleNetworkEvent(ev)

		case ti := <-d.ticker.Chan():
			if err := d.wlog.Write(wal.TimeoutMessage{
				Height: ti.Height, Round: ti.Round, Step: ti.Step.String(), Duration: ti.Duration,
			}); err != nil {
				d.logger.Error("failed to write timeout to WAL", logging.Error(err))
			}
			d.sm.HandleTimeout(ti)

		case res := <-d.taskCh:
			d.handleTaskResult(res)

		case <-d.quit:
			return
		}

		d.maybeAdvanceHeight()
	}
}

func (d *Driver) handleNetworkEvent(ev Event) {
	switch e := ev.(type) {
	case VoteEvent:
		d.handleVote(e.Vote)
	case StreamEvent:
		d.handleStreamMessage(e.Message)
	default:
		d.logger.Error("unknown network event", "event", fmt.Sprintf("%T", ev))
	}
}

func (d *Driver) handleVote(v *types.Vote) {
	if v == nil {
		return
	}
	switch {
	case v.Height == d.sm.Height():
		d.sm.HandleVote(v)
	case v.Height > d.sm.Height():
		d.bufferFutureVote(v)
	default:
		// Past height, nothing to learn.
		d.logger.Debug("dropping vote", logging.Height(v.Height), logging.Reason("past_height"))
		d.metrics.VoteDropped("past_height")
	}
}

func (d *Driver) handleStreamMessage(msg *types.StreamMessage) {
	if msg == nil {
		return
	}
	p, err := d.collector.Add(msg)
	if err != nil {
		d.logger.Info("proposal stream aborted",
			logging.StreamID(msg.StreamID), logging.MessageID(msg.MessageID), logging.Error(err))
		d.metrics.StreamMalformed()
		return
	}
	if p == nil {
		return
	}
	switch {
	case p.Init.Height == d.sm.Height():
		d.sm.HandleProposal(p)
	case p.Init.Height > d.sm.Height():
		d.bufferFutureProposal(p)
	default:
		// Past height, drop.
	}
}

func (d *Driver) handleTaskResult(res any) {
	switch r := res.(type) {
	case buildResult:
		d.clearTask(taskKey{r.height, r.round, taskBuild})
		if r.height != d.sm.Height() {
			return
		}
		d.sm.HandleBuildResult(r.round, r.proposal, r.err)
	case validateResult:
		d.clearTask(taskKey{r.height, r.round, taskValidate})
		if r.height != d.sm.Height() {
			return
		}
		d.sm.HandleValidateResult(r.round, r.proposal, r.err)
	default:
		d.logger.Error("unknown task result", "result", fmt.Sprintf("%T", res))
	}
}

func (d *Driver) bufferFutureVote(v *types.Vote) {
	if len(d.futureVotes) >= maxFutureVotes {
		d.futureVotes = d.futureVotes[1:]
		d.metrics.FutureMessageDropped("vote")
	}
	d.futureVotes = append(d.futureVotes, types.CopyVote(v))
	d.metrics.FutureMessageBuffered("vote")
}

func (d *Driver) bufferFutureProposal(p *stream.Proposal) {
	if len(d.futureProposals) >= maxFutureProposals {
		d.futureProposals = d.futureProposals[1:]
		d.metrics.FutureMessageDropped("proposal")
	}
	d.futureProposals = append(d.futureProposals, p)
	d.metrics.FutureMessageBuffered("proposal")
}

// maybeAdvanceHeight moves to the next height after a decision. It runs
// on the reactor between events, never inside a state machine call.
func (d *Driver) maybeAdvanceHeight() {
	if d.decided == nil {
		return
	}
	decision := d.decided
	d.decided = nil

	next := decision.Height + 1
	d.cancelAllTasks()
	d.collector.DropWhere(func(init *types.ProposalInit) bool {
		return init.Height <= decision.Height
	})
	d.evpool.PruneBelow(decision.Height)

	vals, err := d.fetchValidatorSet(next)
	if err != nil {
		// Only shutdown interrupts the retry loop.
		d.logger.Error("stopping before height could start", logging.Height(next), logging.Error(err))
		return
	}

	d.sm = NewStateMachine(d.cfg, next, vals, d.signer.GetAddress(), d, d.logger, d.metrics)
	d.height.Store(next)
	d.sm.Start()
	d.promoteBuffered(next)
}

// promoteBuffered replays buffered messages for the height that just
// started and keeps later ones buffered.
func (d *Driver) promoteBuffered(height uint64) {
	if n := len(d.futureVotes) + len(d.futureProposals); n > 0 {
		d.logger.Debug("replaying buffered messages", logging.Height(height), logging.Count(n))
	}

	votes := d.futureVotes
	d.futureVotes = nil
	for _, v := range votes {
		if v.Height == height {
			d.sm.HandleVote(v)
		} else if v.Height > height {
			d.futureVotes = append(d.futureVotes, v)
		}
	}

	proposals := d.futureProposals
	d.futureProposals = nil
	for _, p := range proposals {
		if p.Init.Height == height {
			d.sm.HandleProposal(p)
		} else if p.Init.Height > height {
			d.futureProposals = append(d.futureProposals, p)
		}
	}
}

// fetchValidatorSet resolves a height's validator set, retrying for as
// long as the application reports it unavailable. This is the one place
// the engine blocks on the outside world.
func (d *Driver) fetchValidatorSet(height uint64) (*types.ValidatorSet, error) {
	for {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-d.quit:
				cancel()
			case <-ctx.Done():
			}
		}()
		vals, err := d.app.ValidatorSet(ctx, height)
		cancel()
		if err == nil {
			return vals, nil
		}
		if !errors.Is(err, ErrValidatorSetUnavailable) {
			return nil, fmt.Errorf("failed to fetch validator set for height %d: %w", height, err)
		}
		d.logger.Info("validator set unavailable, retrying",
			logging.Height(height), logging.Duration(validatorSetRetryInterval))
		select {
		case <-time.After(validatorSetRetryInterval):
		case <-d.quit:
			return nil, ErrNotStarted
		}
	}
}

// --- Environment ---

// SignVote signs through the configured signer and records the vote in
// the WAL before it can be broadcast.
func (d *Driver) SignVote(v *types.Vote) error {
	if err := d.signer.SignVote(d.cfg.ChainID, v); err != nil {
		return err
	}
	if err := d.wlog.WriteSync(wal.VoteMessage{Vote: types.CopyVote(v)}); err != nil {
		return fmt.Errorf("failed to write own vote to WAL: %w", err)
	}
	return nil
}

func (d *Driver) BroadcastVote(v *types.Vote) {
	d.network.BroadcastVote(v)
}

func (d *Driver) ScheduleTimeout(ti TimeoutInfo) {
	d.ticker.ScheduleTimeout(ti)
}

// RoundEntered cancels work for abandoned rounds of the current height.
func (d *Driver) RoundEntered(height uint64, round uint32) {
	for key, cancel := range d.tasks {
		if key.height == height && key.round < round {
			cancel()
			delete(d.tasks, key)
		}
	}
	d.collector.DropWhere(func(init *types.ProposalInit) bool {
		return init.Height == height && init.Round < round
	})
}

// signedInit builds and signs a ProposalInit. The signer is not safe
// for concurrent use, so this runs on the reactor goroutine only.
func (d *Driver) signedInit(height uint64, round uint32, validRound *uint32) (types.ProposalInit, error) {
	init := types.ProposalInit{
		Height:     height,
		Round:      round,
		ValidRound: validRound,
		Proposer:   d.signer.GetAddress(),
	}
	if err := d.signer.SignProposalInit(d.cfg.ChainID, &init); err != nil {
		return types.ProposalInit{}, fmt.Errorf("failed to sign proposal init: %w", err)
	}
	return init, nil
}

func (d *Driver) StartBuild(height uint64, round uint32) {
	init, err := d.signedInit(height, round, nil)
	if err != nil {
		d.postTaskResult(buildResult{height: height, round: round, err: err})
		return
	}
	ctx := d.startTask(taskKey{height, round, taskBuild})
	go d.runBuild(ctx, init)
}

// runBuild drains the application's batch stream, computing the content
// id as batches arrive. Nothing is broadcast until the content is
// complete and the task is still wanted, so a cancelled build has no
// visible effects.
func (d *Driver) runBuild(ctx context.Context, init types.ProposalInit) {
	height, round := init.Height, init.Round
	batchCh, err := d.app.BuildProposal(ctx, height, round)
	if err != nil {
		d.postTaskResult(buildResult{height: height, round: round, err: err})
		return
	}

	hasher := types.NewContentHasher()
	var batches []types.TransactionBatch
	for batch := range batchCh {
		if err := hasher.Add(&batch); err != nil {
			d.postTaskResult(buildResult{height: height, round: round, err: err})
			return
		}
		batches = append(batches, batch)
	}
	if ctx.Err() != nil {
		return
	}

	p, err := d.finishProposal(init, hasher.Sum(), batches)
	d.postTaskResult(buildResult{height: height, round: round, proposal: p, err: err})
}

func (d *Driver) Repropose(height uint64, round uint32, validRound uint32, content []types.TransactionBatch) {
	vr := validRound
	init, err := d.signedInit(height, round, &vr)
	if err != nil {
		d.postTaskResult(buildResult{height: height, round: round, err: err})
		return
	}
	ctx := d.startTask(taskKey{height, round, taskBuild})
	go func() {
		contentID, err := types.ContentID(content)
		if err != nil {
			d.postTaskResult(buildResult{height: height, round: round, err: err})
			return
		}
		if ctx.Err() != nil {
			return
		}
		p, err := d.finishProposal(init, contentID, content)
		d.postTaskResult(buildResult{height: height, round: round, proposal: p, err: err})
	}()
}

// finishProposal streams [init, batches..., fin, Fin] under a fresh
// stream id and returns the assembled proposal.
func (d *Driver) finishProposal(init types.ProposalInit, contentID types.Hash, batches []types.TransactionBatch) (*stream.Proposal, error) {
	parts := make([]*types.ProposalPart, 0, len(batches)+2)
	parts = append(parts, &types.ProposalPart{Init: &init})
	for i := range batches {
		parts = append(parts, &types.ProposalPart{Transactions: &batches[i]})
	}
	parts = append(parts, &types.ProposalPart{Fin: &types.ProposalFin{ContentID: contentID}})

	streamID := types.StreamIDFor(init.Proposer, init.Height, init.Round)
	for i, part := range parts {
		data, err := types.EncodeProposalPart(part)
		if err != nil {
			return nil, fmt.Errorf("failed to encode proposal part: %w", err)
		}
		d.network.BroadcastStreamMessage(&types.StreamMessage{
			StreamID:  streamID,
			MessageID: uint64(i),
			Content:   data,
		})
	}
	d.network.BroadcastStreamMessage(&types.StreamMessage{
		StreamID:  streamID,
		MessageID: uint64(len(parts)),
		Fin:       true,
	})

	return &stream.Proposal{
		Init:       init,
		Batches:    batches,
		ContentID:  contentID,
		ComputedID: contentID,
	}, nil
}

func (d *Driver) StartValidate(height uint64, round uint32, p *stream.Proposal) {
	key := taskKey{height, round, taskValidate}
	if _, running := d.tasks[key]; running {
		return
	}
	ctx := d.startTask(key)
	go func() {
		err := d.app.ValidateProposal(ctx, height, round, p.Batches)
		if ctx.Err() != nil {
			return
		}
		d.postTaskResult(validateResult{height: height, round: round, proposal: p, err: err})
	}()
}

func (d *Driver) RecordEvidence(ev *types.Equivocation) {
	if err := d.evpool.Add(ev); err != nil {
		d.logger.Error("failed to record evidence", "evidence", ev, logging.Error(err))
	}
}

// OnDecision persists the decision and schedules the height advance; the
// advance itself runs after the current state machine call unwinds.
func (d *Driver) OnDecision(decision *types.Decision, p *stream.Proposal) {
	if err := d.wlog.WriteSync(wal.DecisionMessage{Decision: decision}); err != nil {
		d.logger.Error("failed to write decision to WAL", logging.Height(decision.Height), logging.Error(err))
	}

	d.deliverDecision(decision)

	if err := d.wlog.WriteSync(wal.EndHeightMessage{Height: decision.Height}); err != nil {
		d.logger.Error("failed to write end of height to WAL", logging.Height(decision.Height), logging.Error(err))
	}
	d.decided = decision
}

// deliverDecision hands the decision to the application, retrying until
// it is durably accepted or the driver shuts down. A decision must not
// be lost.
func (d *Driver) deliverDecision(decision *types.Decision) {
	for {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-d.quit:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := d.app.Decide(ctx, decision)
		cancel()
		if err == nil {
			return
		}
		d.logger.Error("application failed to commit decision, retrying",
			logging.Height(decision.Height), logging.Error(err))
		select {
		case <-time.After(validatorSetRetryInterval):
		case <-d.quit:
			return
		}
	}
}

// --- task bookkeeping ---

func (d *Driver) startTask(key taskKey) context.Context {
	if cancel, ok := d.tasks[key]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.tasks[key] = cancel
	return ctx
}

func (d *Driver) clearTask(key taskKey) {
	if cancel, ok := d.tasks[key]; ok {
		cancel()
		delete(d.tasks, key)
	}
}

func (d *Driver) cancelAllTasks() {
	for key, cancel := range d.tasks {
		cancel()
		delete(d.tasks, key)
	}
}

func (d *Driver) postTaskResult(res any) {
	select {
	case d.taskCh <- res:
	case <-d.quit:
	}
}
