package database

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Observer receives pool events for metrics collection.
//
// Implementations must be safe for concurrent use and must not block:
// ObserveWrite runs while the write gate is still held.
type Observer interface {
	// ObserveCheckout records how long a read waited for a reader connection.
	ObserveCheckout(wait time.Duration)

	// ObservePoolExhausted records a read that failed with ErrPoolExhausted.
	ObservePoolExhausted()

	// ObserveRead records a completed read scope.
	ObserveRead(duration time.Duration, err error)

	// ObserveWrite records a completed write scope.
	ObserveWrite(duration time.Duration, err error)

	// ObserveMigration records one applied (or failed) migration.
	ObserveMigration(name string, duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveCheckout(time.Duration)                   {}
func (nopObserver) ObservePoolExhausted()                           {}
func (nopObserver) ObserveRead(time.Duration, error)                {}
func (nopObserver) ObserveWrite(time.Duration, error)               {}
func (nopObserver) ObserveMigration(string, time.Duration, error) {}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	// ReaderCapacity is the configured reader pool size.
	ReaderCapacity int

	// ReadersOpen is the number of reader connections created so far
	// and not discarded.
	ReadersOpen int

	// ReadersIdle is the number of reader connections waiting in the pool.
	ReadersIdle int

	// ReadersInUse is the number of reader connections checked out.
	ReadersInUse int

	// Reads and ReadFailures count completed read scopes.
	Reads        int64
	ReadFailures int64

	// PoolExhausted counts reads that timed out waiting for a connection.
	PoolExhausted int64

	// Writes and WriteFailures count completed write scopes.
	Writes        int64
	WriteFailures int64

	// WriteSequence is the sequence number of the last committed write.
	WriteSequence uint64
}

// counters groups the lock-free counters shared by writer and readers.
type counters struct {
	reads         *xsync.Counter
	readFailures  *xsync.Counter
	exhausted     *xsync.Counter
	writes        *xsync.Counter
	writeFailures *xsync.Counter
}

func newCounters() *counters {
	return &counters{
		reads:         xsync.NewCounter(),
		readFailures:  xsync.NewCounter(),
		exhausted:     xsync.NewCounter(),
		writes:        xsync.NewCounter(),
		writeFailures: xsync.NewCounter(),
	}
}
