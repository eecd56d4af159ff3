package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
	"crossmargin/internal/observability"
	"crossmargin/internal/perp"
	"crossmargin/internal/wire"
)

// AccountRef is one object reference carried by a request, in the
// position the instruction's layout assigns it.
type AccountRef struct {
	ID       uuid.UUID
	Signer   bool
	Writable bool
}

// BookLevels carries the venue's best bid and ask, a versioned input
// for funding updates.
type BookLevels struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Request is one instruction submission. Timestamp is a versioned
// input in unix seconds; the engine never reads the wall clock.
type Request struct {
	Instruction    []byte
	Accounts       []AccountRef
	Timestamp      int64
	IdempotencyKey string
	SourceSequence int64

	// Partition scopes sequence validation; empty means "global".
	Partition string

	// OracleSequence orders SetOracle posts; gaps are tolerated.
	OracleSequence int64

	// Book is required by UpdateFunding.
	Book *BookLevels
}

// Envelope is the durable record of one applied instruction.
type Envelope struct {
	Sequence       int64
	IdempotencyKey string
	Kind           wire.Kind
	Timestamp      int64
	SourceSequence int64
	StateHash      [32]byte
	PrevHash       [32]byte
}

// Output is what the engine emits per applied instruction.
type Output struct {
	Envelope    *Envelope
	Instruction wire.Instruction
	StateDelta  []byte

	// Request is the originating request, carried so the persistence
	// layer can store everything replay needs.
	Request *Request
}

// Engine is the single-threaded instruction processor.
type Engine struct {
	st       *State
	sequence int64

	hasher      *StateHasher
	idempotency *IdempotencyChecker
	seqval      *SequenceValidator
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// NewEngine wires the processor. Channels may be nil in tests; a nil
// persist channel skips emission.
func NewEngine(
	st *State,
	startSequence int64,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		st:             st,
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker),
		seqval:         NewSequenceValidator(),
		metrics:        metrics,
		log:            log,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// State exposes the backing state for queries. Callers must not mutate.
func (e *Engine) State() *State { return e.st }

// Sequence returns the next sequence to assign.
func (e *Engine) Sequence() int64 { return e.sequence }

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte { return e.hasher.GetPrevHash() }

// ExpectedSourceSequence returns the next source sequence the named
// partition will accept.
func (e *Engine) ExpectedSourceSequence(partition string) int64 {
	return e.seqval.GetExpectedSequence(partition)
}

// Execute runs one request through the full pipeline: decode,
// dedup, sequence validation, dispatch against a copy-on-write view,
// commit, hash, emit. A nil output with nil error means the request
// was a duplicate or a stale oracle post.
func (e *Engine) Execute(req *Request) (*Output, error) {
	start := time.Now()

	instr, err := wire.Decode(req.Instruction)
	if err != nil {
		e.reject("unknown", err)
		return nil, err
	}
	kindStr := instr.Kind().String()

	isDuplicate, tier := e.idempotency.IsDuplicate(kindStr, req.IdempotencyKey)
	if isDuplicate && e.metrics != nil {
		e.metrics.IdempotencyDuplicates.WithLabelValues(kindStr, tier).Inc()
	}

	if _, ok := instr.(wire.SetOracle); ok {
		if len(req.Accounts) > 1 {
			if stale := e.seqval.ValidateOracleSequence(req.Accounts[1].ID, req.OracleSequence); stale {
				return nil, nil
			}
		}
	} else {
		partition := req.Partition
		if partition == "" {
			partition = "global"
		}
		if err := e.seqval.ValidateSequence(partition, req.SourceSequence, isDuplicate); err != nil {
			if e.metrics != nil {
				e.metrics.RequestOutOfOrder.WithLabelValues(partition).Inc()
			}
			e.reject(kindStr, err)
			return nil, err
		}
	}

	if isDuplicate {
		return nil, nil
	}

	t := newTx(e.st)
	if err := dispatch(t, instr, req); err != nil {
		e.reject(kindStr, err)
		if errs.IsFatal(err) {
			panic(fmt.Sprintf("FATAL: invariant violated applying %s: %v", kindStr, err))
		}
		return nil, err
	}

	stateDelta := t.digest()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDelta)

	envelope := &Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: req.IdempotencyKey,
		Kind:           instr.Kind(),
		Timestamp:      req.Timestamp,
		SourceSequence: req.SourceSequence,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	t.commit()
	e.sequence++

	output := Output{
		Envelope:    envelope,
		Instruction: instr,
		StateDelta:  stateDelta,
		Request:     req,
	}

	e.emit(output)
	e.idempotency.MarkProcessed(kindStr, req.IdempotencyKey)

	if e.metrics != nil {
		e.metrics.CoreInstructionsApplied.WithLabelValues(kindStr).Inc()
		e.metrics.CoreInstructionDuration.WithLabelValues(kindStr).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.LRU().Size()))
	}

	return &output, nil
}

// emit sends the output downstream: a blocking send to persistence so
// no applied instruction is lost, and a non-blocking send to the
// projection channel which can rebuild from the log if it falls behind.
func (e *Engine) emit(output Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues(output.Envelope.Kind.String()).Inc()
			}
		}
	}
}

// reject records a failed request.
func (e *Engine) reject(kind string, err error) {
	if e.metrics != nil {
		e.metrics.CoreInstructionsRejected.WithLabelValues(kind, errs.CodeOf(err).String()).Inc()
	}
	e.log.Debug().Str("kind", kind).Err(err).Msg("instruction rejected")
}

// PushMarketEvent appends one committed match-engine event to a perp
// market's queue. This is the venue feed path; the event only affects
// positions when a later ConsumeEvents instruction drains it.
func (e *Engine) PushMarketEvent(marketID uuid.UUID, evt perp.Event) (uint64, error) {
	mkt, ok := e.st.PerpMarkets[marketID]
	if !ok {
		return 0, errs.Newf(errs.CodeInvalidState, "perp market %s not found", marketID)
	}
	seq := mkt.Queue.Push(evt)
	if e.metrics != nil {
		e.metrics.QueueEventsConsumed.WithLabelValues(marketID.String(), "queued").Inc()
	}
	return seq, nil
}

// SnapshotState holds the serializable engine state for warm restart.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the chain and validator state. The
// domain state itself is snapshotted by the persistence layer.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		SequenceState:   e.seqval.GetAllPartitions(),
		IdempotencyKeys: e.idempotency.LRU().GetAllKeys(),
	}
}

// RestoreFromSnapshot resumes the chain after the given snapshot.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	for partition, next := range snap.SequenceState {
		e.seqval.RestorePartition(partition, next)
	}
	e.idempotency.LRU().WarmFromKeys(snap.IdempotencyKeys)
}
