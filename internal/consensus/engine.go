// Package consensus gates contested task assignment behind a quorum-based
// approval protocol. The voting algorithm is pluggable; quorum voting is the
// default.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeswarm/internal/domain"
	"tradeswarm/internal/events"
)

// Algorithm decides whether a task goes to one of the candidates. Run blocks
// until the decision is made or ctx expires; on expiry it must return an
// unapproved result.
type Algorithm interface {
	Name() string
	Run(ctx context.Context, task domain.Task, candidates []domain.Agent) domain.ConsensusResult
}

type Config struct {
	Algorithm    string
	QuorumSize   int
	Timeout      time.Duration
	MaxProposals int
}

func (c Config) withDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = "quorum"
	}
	if c.QuorumSize <= 0 {
		c.QuorumSize = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxProposals <= 0 {
		c.MaxProposals = 32
	}
	return c
}

type Engine struct {
	cfg     Config
	algo    Algorithm
	emitter *events.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	wg sync.WaitGroup
}

func New(cfg Config, emitter *events.Emitter, logger *zap.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var algo Algorithm
	switch cfg.Algorithm {
	case "quorum":
		algo = NewQuorumVote(cfg.QuorumSize, nil)
	default:
		return nil, fmt.Errorf("unknown consensus algorithm %q", cfg.Algorithm)
	}

	return &Engine{
		cfg:     cfg,
		algo:    algo,
		emitter: emitter,
		logger:  logger,
		pending: make(map[string]struct{}),
	}, nil
}

// RequestConsensus starts an asynchronous approval round for the task. The
// result arrives as a single consensus event. At most one round per task may
// be outstanding, and the total number of in-flight rounds is bounded.
func (e *Engine) RequestConsensus(ctx context.Context, task domain.Task, candidates []domain.Agent) error {
	if len(candidates) == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrNoCandidates, task.ID)
	}

	e.mu.Lock()
	if _, exists := e.pending[task.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrProposalInProgress, task.ID)
	}
	if len(e.pending) >= e.cfg.MaxProposals {
		e.mu.Unlock()
		return fmt.Errorf("%w: limit %d", domain.ErrTooManyProposals, e.cfg.MaxProposals)
	}
	e.pending[task.ID] = struct{}{}
	e.mu.Unlock()

	snapshot := make([]domain.Agent, len(candidates))
	copy(snapshot, candidates)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.pending, task.ID)
			e.mu.Unlock()
		}()

		// The round owns its deadline. Caller cancellation (an HTTP request
		// context, say) must not cut a round short; only the configured
		// timeout resolves it.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
		defer cancel()

		result := e.algo.Run(runCtx, task, snapshot)
		e.logger.Info("consensus resolved",
			zap.String("task", task.ID),
			zap.String("agent", result.AgentID),
			zap.Bool("approved", result.Approved),
			zap.String("algorithm", e.algo.Name()))
		e.emitter.Emit(events.ConsensusResolved, result)
	}()
	return nil
}

// PendingProposals reports the number of in-flight rounds.
func (e *Engine) PendingProposals() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Wait blocks until all in-flight rounds have resolved.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Ballot casts one voter's vote on a proposed assignment.
type Ballot func(task domain.Task, proposed domain.Agent, voter domain.Agent) bool

// defaultBallot approves a proposed agent that is live and in good standing.
func defaultBallot(_ domain.Task, proposed domain.Agent, _ domain.Agent) bool {
	return proposed.Status == domain.AgentStatusIdle && proposed.Reputation > 50
}

// QuorumVote proposes the top-ranked candidate (reputation descending, stable
// order) and collects votes from all candidates. Approval requires quorum
// affirmative votes before the deadline; otherwise the round resolves
// unapproved exactly at expiry.
type QuorumVote struct {
	quorum int
	ballot Ballot
}

func NewQuorumVote(quorum int, ballot Ballot) *QuorumVote {
	if quorum <= 0 {
		quorum = 2
	}
	if ballot == nil {
		ballot = defaultBallot
	}
	return &QuorumVote{quorum: quorum, ballot: ballot}
}

func (q *QuorumVote) Name() string { return "quorum" }

func (q *QuorumVote) Run(ctx context.Context, task domain.Task, candidates []domain.Agent) domain.ConsensusResult {
	ranked := make([]domain.Agent, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Reputation > ranked[j].Reputation
	})
	proposed := ranked[0]

	votes := make(chan bool, len(ranked))
	for _, voter := range ranked {
		voter := voter
		go func() {
			select {
			case votes <- q.ballot(task, proposed, voter):
			case <-ctx.Done():
			}
		}()
	}

	affirmative := 0
	collected := 0
	for collected < len(ranked) {
		select {
		case v := <-votes:
			collected++
			if v {
				affirmative++
			}
			if affirmative >= q.quorum {
				return domain.ConsensusResult{TaskID: task.ID, AgentID: proposed.ID, Approved: true}
			}
		case <-ctx.Done():
			return domain.ConsensusResult{TaskID: task.ID, AgentID: proposed.ID, Approved: false}
		}
	}

	// All votes in without reaching quorum: hold the unapproved result until
	// the deadline so rejection timing is uniform.
	<-ctx.Done()
	return domain.ConsensusResult{TaskID: task.ID, AgentID: proposed.ID, Approved: false}
}
