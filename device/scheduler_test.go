package device

import "testing"

// fakeClock returns queued timestamps, one per NowMicros call.
type fakeClock struct {
	times []uint64
	i     int
}

func (c *fakeClock) NowMicros() uint64 {
	if c.i >= len(c.times) {
		if len(c.times) == 0 {
			return 0
		}
		return c.times[len(c.times)-1]
	}
	t := c.times[c.i]
	c.i++
	return t
}

// fakeAlarm records every requested re-arm delay.
type fakeAlarm struct {
	delays []uint64
}

func (a *fakeAlarm) Schedule(delayMicros uint64) {
	a.delays = append(a.delays, delayMicros)
}

func noopBus() Bus {
	return Bus{Data: nopPin{}, Clock: nopPin{}, StorageClock: nopPin{}, OutputEnable: nopPin{}}
}

type nopPin struct{}

func (nopPin) Set(bool) {}

func TestTickReArmsWithRemainingBudget(t *testing.T) {
	clock := &fakeClock{times: []uint64{100, 107}} // tick took 7 us
	alarm := &fakeAlarm{}
	s := NewScheduler(clock, alarm, NewSN74HC595(noopBus(), nil))

	s.Tick([]*FloppyDrive{NewFloppyDrive(true)})

	if len(alarm.delays) != 1 {
		t.Fatalf("scheduled %d alarms, want 1", len(alarm.delays))
	}
	if want := uint64(TickPeriodMicros - 7); alarm.delays[0] != want {
		t.Errorf("re-arm delay = %d us, want %d", alarm.delays[0], want)
	}
	if s.Overruns() != 0 {
		t.Errorf("overruns = %d, want 0", s.Overruns())
	}
}

func TestOverrunSchedulesImmediatelyAndReportsMagnitude(t *testing.T) {
	const delta = 13
	clock := &fakeClock{times: []uint64{500, 500 + TickPeriodMicros + delta}}
	alarm := &fakeAlarm{}
	s := NewScheduler(clock, alarm, NewSN74HC595(noopBus(), nil))

	s.Tick([]*FloppyDrive{NewFloppyDrive(true)})

	if len(alarm.delays) != 1 || alarm.delays[0] != 0 {
		t.Fatalf("overrun tick must re-arm with zero wait, got %v", alarm.delays)
	}
	if s.Overruns() != 1 {
		t.Errorf("overruns = %d, want 1", s.Overruns())
	}
	if s.LastOverrunMicros() != delta {
		t.Errorf("overrun magnitude = %d, want %d", s.LastOverrunMicros(), delta)
	}
}

func TestExactBudgetIsNotAnOverrun(t *testing.T) {
	clock := &fakeClock{times: []uint64{0, TickPeriodMicros}}
	alarm := &fakeAlarm{}
	s := NewScheduler(clock, alarm, NewSN74HC595(noopBus(), nil))

	s.Tick(nil)

	if s.Overruns() != 0 {
		t.Errorf("elapsed == budget counted as overrun")
	}
	if len(alarm.delays) != 1 || alarm.delays[0] != 0 {
		t.Errorf("expected immediate re-arm with no remaining budget, got %v", alarm.delays)
	}
}

func TestStartArmsFullPeriod(t *testing.T) {
	alarm := &fakeAlarm{}
	s := NewScheduler(&fakeClock{}, alarm, NewSN74HC595(noopBus(), nil))

	s.Start()

	if len(alarm.delays) != 1 || alarm.delays[0] != TickPeriodMicros {
		t.Errorf("Start scheduled %v, want [%d]", alarm.delays, TickPeriodMicros)
	}
}
