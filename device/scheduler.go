package device

// Clock supplies monotonic microsecond timestamps, matching the resolution
// of the hardware timer the scheduler runs from.
type Clock interface {
	NowMicros() uint64
}

// Alarm re-arms the tick interrupt to fire after the given delay. A delay of
// zero requests the next tick immediately.
type Alarm interface {
	Schedule(delayMicros uint64)
}

// Scheduler runs the fixed-period sampling loop: on every tick it samples
// each configured drive in daisy-chain order, shifts the packed bytes
// through the serializer, latches once so all actuators update atomically,
// then re-arms itself for the next period.
//
// The next delay is budget minus the tick's own execution time, so the
// period does not drift by the cost of the work. A tick that blows the
// budget is logged and the next tick fires with zero wait; the schedule is
// irregular under transient overload but self-healing.
type Scheduler struct {
	clock Clock
	alarm Alarm
	sr    *SN74HC595

	budgetMicros uint64

	overruns          uint64
	lastOverrunMicros uint64
}

// NewScheduler builds a scheduler with the standard tick budget.
func NewScheduler(clock Clock, alarm Alarm, sr *SN74HC595) *Scheduler {
	return &Scheduler{
		clock:        clock,
		alarm:        alarm,
		sr:           sr,
		budgetMicros: TickPeriodMicros,
	}
}

// Start arms the first tick one full period out.
func (s *Scheduler) Start() {
	s.alarm.Schedule(s.budgetMicros)
}

// Tick services one timer interrupt for the given roster. The caller holds
// the engine critical section, so the roster cannot change mid-tick.
func (s *Scheduler) Tick(drives []*FloppyDrive) {
	start := s.clock.NowMicros()

	for _, d := range drives {
		s.sr.Write(d.Tick().Pack())
	}
	s.sr.Latch()

	elapsed := s.clock.NowMicros() - start

	if elapsed > s.budgetMicros {
		overrun := elapsed - s.budgetMicros
		s.overruns++
		s.lastOverrunMicros = overrun
		logger.Warn("tick budget overrun",
			"elapsed_us", elapsed,
			"budget_us", s.budgetMicros,
			"overrun_us", overrun,
		)
		s.alarm.Schedule(0)
		return
	}

	s.alarm.Schedule(s.budgetMicros - elapsed)
}

// Overruns returns how many ticks have exceeded the budget.
func (s *Scheduler) Overruns() uint64 { return s.overruns }

// LastOverrunMicros returns the magnitude of the most recent overrun.
func (s *Scheduler) LastOverrunMicros() uint64 { return s.lastOverrunMicros }
