package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Triggerer starts or joins a replay pass.
type Triggerer interface {
	TriggerSync(reason string) *PassHandle
}

// Periodic fires TriggerSync on a cron schedule. Ticks that land while a pass
// is running join it, so a slow pass never stacks up ticks.
type Periodic struct {
	target Triggerer
	cron   *cron.Cron
	logger *zerolog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	running bool
}

func NewPeriodic(target Triggerer, logger *zerolog.Logger) *Periodic {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "periodic").Logger()
	return &Periodic{
		target: target,
		cron:   cron.New(),
		logger: &l,
	}
}

// Start schedules the trigger. spec is a five-field cron expression or a
// descriptor such as "@every 5m". An empty spec disables the trigger.
func (p *Periodic) Start(spec string) error {
	if spec == "" {
		p.logger.Info().Msg("periodic sync is disabled")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("periodic sync already started")
	}

	id, err := p.cron.AddFunc(spec, p.tick)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	p.entryID = id
	p.running = true
	p.cron.Start()
	p.logger.Info().Str("schedule", spec).Msg("periodic sync started")
	return nil
}

// Stop removes the schedule and waits for a tick in progress to return.
func (p *Periodic) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cron.Remove(p.entryID)
	<-p.cron.Stop().Done()
	p.running = false
	p.logger.Info().Msg("periodic sync stopped")
}

func (p *Periodic) tick() {
	h := p.target.TriggerSync("schedule")
	p.logger.Debug().Str("pass_id", h.ID()).Msg("scheduled sync triggered")
}
