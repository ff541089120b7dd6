package tracker

import (
	"time"

	"github.com/andres-erbsen/clock"
)

// aggregatorCommand is applied serially by Aggregator.Run.
type aggregatorCommand interface {
	applyAgg(a *Aggregator)
}

// IncrementCommand adds 1 to key's running counter.
type IncrementCommand struct{ Key string }

func (c IncrementCommand) applyAgg(a *Aggregator) {
	a.counters[c.Key] += 1
	a.maybeSnapshot()
}

// SetCommand overwrites key's running counter.
type SetCommand struct {
	Key   string
	Value int64
}

func (c SetCommand) applyAgg(a *Aggregator) {
	a.counters[c.Key] = c.Value
	a.maybeSnapshot()
}

// MinutePassedCommand is sent by the companion ticker every 60s to drive
// snapshotting even when no counter has been touched this minute.
type MinutePassedCommand struct{}

func (MinutePassedCommand) applyAgg(a *Aggregator) {
	a.maybeSnapshot()
}

// StopAggregatorCommand terminates the Run loop.
type StopAggregatorCommand struct{}

func (StopAggregatorCommand) applyAgg(a *Aggregator) {}

// SnapshotSink receives a frozen (value, minute-aligned timestamp) for every
// key whenever the wall-clock minute boundary crosses.
type SnapshotSink interface {
	Record(key string, value int64, at time.Time)
}

// Aggregator is the single owner of every metric's running counter. It never
// resets a counter -- Increment only ever adds to it and Set overwrites it, and a
// minute boundary crossing pushes the current value of every key into the
// metrics store without touching the working map.
type Aggregator struct {
	clk  clock.Clock
	sink SnapshotSink

	counters     map[string]int64
	lastSnapshot time.Time

	cmds chan aggregatorCommand
	done chan struct{}
}

// NewAggregator constructs an Aggregator. Call Run in its own goroutine to
// start processing commands, and RunTicker in another to drive
// MinutePassedCommand every interval.
func NewAggregator(sink SnapshotSink, clk clock.Clock) *Aggregator {
	return &Aggregator{
		clk:          clk,
		sink:         sink,
		counters:     make(map[string]int64),
		lastSnapshot: clk.Now(),
		cmds:         make(chan aggregatorCommand),
		done:         make(chan struct{}),
	}
}

// Run applies commands serially until a StopAggregatorCommand is received.
func (a *Aggregator) Run() {
	defer close(a.done)
	for c := range a.cmds {
		if _, ok := c.(StopAggregatorCommand); ok {
			return
		}
		c.applyAgg(a)
	}
}

// RunTicker sends a MinutePassedCommand every interval until stop is closed.
// Run in its own goroutine, paired with Run.
func (a *Aggregator) RunTicker(interval time.Duration, stop <-chan struct{}) {
	ticker := a.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Send(MinutePassedCommand{})
		case <-stop:
			return
		}
	}
}

// Send enqueues c for serialized application.
func (a *Aggregator) Send(c aggregatorCommand) {
	a.cmds <- c
}

// Increment adds 1 to key's counter.
func (a *Aggregator) Increment(key string) {
	a.Send(IncrementCommand{Key: key})
}

// Set overwrites key's counter.
func (a *Aggregator) Set(key string, value int64) {
	a.Send(SetCommand{Key: key, Value: value})
}

// Stop terminates the Run goroutine and waits for it to exit.
func (a *Aggregator) Stop() {
	a.Send(StopAggregatorCommand{})
	<-a.done
}

// maybeSnapshot freezes every key's current value into the sink once per
// crossed wall-clock minute boundary. Called after every applied command so
// a quiet minute (driven by MinutePassedCommand) still gets a snapshot.
func (a *Aggregator) maybeSnapshot() {
	now := a.clk.Now()
	currentMinute := now.Truncate(time.Minute)
	if !currentMinute.After(a.lastSnapshot.Truncate(time.Minute)) {
		return
	}
	for key, value := range a.counters {
		a.sink.Record(key, value, currentMinute)
	}
	a.lastSnapshot = now
}
