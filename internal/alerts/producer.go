// Package alerts implements the AlertProducer (C4): a long-lived task that
// periodically samples four simulated entry-point sensors and, when a
// sample crosses the alert threshold, writes a single record to the shared
// FIFO. Grounded on lib/alertInfection/src/alertInfection.c.
package alerts

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Sensors names the four logical entry points in the exact casing spec.md
// §4.4 requires (so that the record's substring matches the summary query's
// "NORTH"/"SOUTH"/"EAST"/"WEST" needles).
var Sensors = []string{"NORTH ENTRY", "SOUTH ENTRY", "WEST ENTRY", "EAST ENTRY"}

const (
	sampleInterval = 30 * time.Second
	alertThreshold = 38.0
)

// SensorSampler produces one simulated temperature reading for the named
// sensor. Default is defaultSampler; tests may inject a deterministic one to
// force (or suppress) an alert.
type SensorSampler func(sensor string) float64

// Producer is the AlertProducer. It does not touch the store directly: it
// only writes to the FIFO, exactly as spec.md §4.4 and §2 ("C4 writes to a
// FIFO read by C9") describe.
type Producer struct {
	FifoPath string
	Sample   SensorSampler
	Interval time.Duration
}

// New returns a Producer configured with the default sampler and interval.
func New(fifoPath string) *Producer {
	return &Producer{
		FifoPath: fifoPath,
		Sample:   defaultSampler,
		Interval: sampleInterval,
	}
}

// EnsureFifo creates the named pipe at path if it does not already
// exist, mode 0666, idempotently (spec.md §4.4).
func EnsureFifo(path string) error {
	err := unix.Mkfifo(path, 0666)
	if err == nil || err == unix.EEXIST {
		return nil
	}
	return fmt.Errorf("alerts: creating fifo %s: %w", path, err)
}

// Run samples every sensor once per Interval until ctx is canceled, writing
// an alert record to the FIFO for any sensor whose sample exceeds
// alertThreshold. Each write is a single blocking open+write, matching the
// spec's "single blocking write" contract.
func (p *Producer) Run(ctx context.Context) error {
	if err := EnsureFifo(p.FifoPath); err != nil {
		return err
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert producer exiting")
			return nil
		case <-ticker.C:
			p.sampleOnce()
		}
	}
}

func (p *Producer) sampleOnce() {
	for _, sensor := range Sensors {
		temp := p.Sample(sensor)
		if temp <= alertThreshold {
			continue
		}
		record := fmt.Sprintf("%s, ALERT, %.1f°C ", sensor, temp)
		if err := p.writeRecord(record); err != nil {
			log.WithError(err).WithField("sensor", sensor).Warn("failed to write alert to fifo")
		}
	}
}

func (p *Producer) writeRecord(record string) error {
	f, err := os.OpenFile(p.FifoPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return fmt.Errorf("alerts: opening fifo: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(record); err != nil {
		return fmt.Errorf("alerts: writing record: %w", err)
	}
	return nil
}

// defaultSampler draws each reading independently: uniform in [20, 25) °C,
// except for a 1-in-200 chance of a reading in [39, 43) °C, above the alert
// threshold — the
// contract spec.md §4.4 requires ("the sampling distribution is ... not
// specified; the contract is that alerts are rare").
func defaultSampler(string) float64 {
	base := 20.0 + rand.Float64()*5.0
	if rand.Intn(200) == 0 {
		return alertThreshold + 1 + rand.Float64()*4
	}
	return base
}
