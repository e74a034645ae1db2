// Package orchestrator wires the engine together: workflow creation and
// control operations, the result consume loop, the stage timeout sweep, and
// lifecycle event publication. One service instance is one consumer-group
// member; running several instances shares the results log between them.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/dispatch"
	"github.com/c360studio/stageflow/machine"
	"github.com/c360studio/stageflow/results"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

// Config controls the orchestrator service.
type Config struct {
	// AgentTypes lists the agent types whose task logs and consumer
	// groups are provisioned at startup. Agents joining later only need
	// their type listed here or an out-of-band EnsureLog call.
	AgentTypes []string

	// SweepInterval is how often dispatched tasks are checked against
	// their stage timeout.
	SweepInterval time.Duration

	// TransitionRetries bounds the state machine's CAS retry cycle.
	TransitionRetries int

	// DedupSize bounds the result handler's recently-seen event id set.
	DedupSize int

	// ConsumerID identifies this instance in logs.
	ConsumerID string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		AgentTypes:        []string{"planner", "codegen", "tester", "reviewer", "deployer"},
		SweepInterval:     30 * time.Second,
		TransitionRetries: 3,
		DedupSize:         4096,
	}
}

// Deps carries the service's constructor dependencies.
type Deps struct {
	// NC publishes lifecycle events. Optional; nil disables events.
	NC *nats.Conn

	// Gateway provides the durable logs and consume loop. Optional for
	// operation-only use; Start requires it.
	Gateway *bus.Gateway

	Workflows   storage.WorkflowRepository
	Tasks       storage.TaskRepository
	Definitions *definition.Engine

	// Publisher overrides the task publish surface. Defaults to Gateway.
	Publisher dispatch.Publisher
}

// Service is the orchestrator: the single owner of workflow state.
type Service struct {
	nc         *nats.Conn
	gateway    *bus.Gateway
	workflows  storage.WorkflowRepository
	tasks      storage.TaskRepository
	defs       *definition.Engine
	dispatcher *dispatch.Dispatcher
	machine    *machine.Machine
	results    *results.Handler
	config     Config
	logger     *slog.Logger

	// Lifecycle management
	mu         sync.Mutex
	running    bool
	startTime  time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// New creates the orchestrator service and its internal pipeline.
func New(deps Deps, config Config, logger *slog.Logger) (*Service, error) {
	if deps.Workflows == nil || deps.Tasks == nil || deps.Definitions == nil {
		return nil, fmt.Errorf("workflows, tasks and definitions dependencies are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if len(config.AgentTypes) == 0 {
		config.AgentTypes = defaults.AgentTypes
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.TransitionRetries <= 0 {
		config.TransitionRetries = defaults.TransitionRetries
	}
	if config.DedupSize <= 0 {
		config.DedupSize = defaults.DedupSize
	}
	if config.ConsumerID == "" {
		config.ConsumerID = "orchestrator-" + uuid.New().String()[:8]
	}

	pub := deps.Publisher
	if pub == nil {
		pub = deps.Gateway
	}

	s := &Service{
		nc:        deps.NC,
		gateway:   deps.Gateway,
		workflows: deps.Workflows,
		tasks:     deps.Tasks,
		defs:      deps.Definitions,
		config:    config,
		logger:    logger,
	}

	s.dispatcher = dispatch.New(deps.Definitions, deps.Tasks, pub, logger)
	s.machine = machine.New(deps.Definitions, deps.Workflows, s.dispatcher,
		s.publishTransition, config.TransitionRetries, logger)
	if deps.Gateway != nil {
		s.results = results.New(deps.Gateway, deps.Tasks, s.machine, results.Config{
			ConsumerID: config.ConsumerID,
			DedupSize:  config.DedupSize,
		}, logger)
	}

	return s, nil
}

// Start provisions the durable logs, then runs the result consume loop and
// the timeout sweep until Stop or context cancellation.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	if s.gateway == nil {
		s.mu.Unlock()
		return fmt.Errorf("bus gateway required to start")
	}
	s.mu.Unlock()

	if err := s.gateway.EnsureLog(ctx, bus.DeadLetterLog); err != nil {
		return err
	}
	for _, agentType := range s.config.AgentTypes {
		log := bus.TaskLog(agentType)
		if err := s.gateway.EnsureLog(ctx, log); err != nil {
			return err
		}
		if err := s.gateway.EnsureConsumerGroup(ctx, log, bus.TaskConsumerGroup(agentType)); err != nil {
			return err
		}
	}

	if err := s.results.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancelFunc = cancel
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSweep(runCtx)
	}()

	s.logger.Info("Orchestrator started",
		"consumer_id", s.config.ConsumerID,
		"agent_types", s.config.AgentTypes,
		"sweep_interval", s.config.SweepInterval)
	return nil
}

// Stop halts the sweep and the consume loop and waits for both to drain.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancelFunc
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.results != nil {
		if err := s.results.Stop(); err != nil {
			return err
		}
	}
	s.logger.Info("Orchestrator stopped")
	return nil
}

// publishTransition emits a transition event. Fire and forget: a publish
// failure is logged and never blocks the transition that produced it.
func (s *Service) publishTransition(ev workflow.TransitionEvent) {
	s.publishEvent(workflow.SubjectTransition, ev)
}

func (s *Service) publishEvent(subject string, v any) {
	if s.nc == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("Failed to marshal lifecycle event", "subject", subject, "error", err)
		return
	}
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Warn("Failed to publish lifecycle event", "subject", subject, "error", err)
		return
	}
	eventsTotal.WithLabelValues(subject).Inc()
}
