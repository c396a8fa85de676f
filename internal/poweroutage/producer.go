// Package poweroutage implements the PowerOutageProducer (C5): a long-lived
// task that, after each random 5-10 minute interval, connects to the
// shutdown filesystem socket and writes the emergency-notice line.
package poweroutage

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// NoticeLine is the literal shutdown-notice record spec.md §4.5 requires.
const NoticeLine = "Electricity failure. Disconnecting all clients."

const (
	minInterval = 5 * time.Minute
	maxInterval = 10 * time.Minute
)

// IntervalFunc returns the sleep duration before the next notice. Default is
// a uniform random draw in [5,10] minutes; tests inject a short, fixed
// duration.
type IntervalFunc func() time.Duration

// Producer is the PowerOutageProducer.
type Producer struct {
	SocketPath string
	Interval   IntervalFunc
}

// New returns a Producer with the default [5,10] minute uniform interval.
func New(socketPath string) *Producer {
	return &Producer{
		SocketPath: socketPath,
		Interval:   defaultInterval,
	}
}

// Run sleeps for Interval(), then dials SocketPath and writes NoticeLine,
// repeating until ctx is canceled.
func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("power outage producer exiting")
			return nil
		case <-time.After(p.Interval()):
			if err := p.notifyOnce(); err != nil {
				log.WithError(err).Warn("failed to deliver power outage notice")
			}
		}
	}
}

func (p *Producer) notifyOnce() error {
	conn, err := net.Dial("unix", p.SocketPath)
	if err != nil {
		return fmt.Errorf("poweroutage: dialing shutdown socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(NoticeLine)); err != nil {
		return fmt.Errorf("poweroutage: writing notice: %w", err)
	}
	return nil
}

func defaultInterval() time.Duration {
	span := maxInterval - minInterval
	return minInterval + time.Duration(rand.Int63n(int64(span)+1))
}
