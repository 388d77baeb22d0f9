// Package pipeline turns a stable measurement file into a batch record
// merge and a terminal notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/tubeworks/inspectd/internal/batch"
	"github.com/tubeworks/inspectd/internal/measure"
	"github.com/tubeworks/inspectd/internal/stats"
)

// Adapter is the store surface one processing attempt needs.
// *store.Store satisfies it.
type Adapter interface {
	batch.Adapter
	LookupLoadIndex(ctx context.Context, machineID string) (string, bool, error)
	LookupSamplingConfig(ctx context.Context, loadIndex string) (measure.SamplingConfig, bool, error)
}

// Notifier delivers a deviation frame to one terminal. *fanout.Server
// satisfies it.
type Notifier interface {
	Notify(identity string, frame []byte) error
}

// Processor runs the per-file pipeline: read, parse, resolve the active
// load, merge into a shard, and push deviations to terminals.
type Processor struct {
	store    Adapter
	notifier Notifier
	tracker  *stats.Tracker
}

// NewProcessor wires a processor. notifier may be nil when no terminals
// are served; deviations are then discarded.
func NewProcessor(store Adapter, notifier Notifier, tracker *stats.Tracker) *Processor {
	return &Processor{store: store, notifier: notifier, tracker: tracker}
}

// Process handles one stable file. It satisfies intake.Handler: failures
// are logged and counted here, never propagated, so one bad file cannot
// take a worker down.
func (p *Processor) Process(ctx context.Context, path string) {
	// Attempt tokens are UUIDv7 so log lines sort chronologically.
	attempt := newAttemptToken()
	log := slog.With("attempt", attempt, "path", path)

	p.tracker.FileProcessed()
	log.Info("processing measurement file")

	if err := p.processFile(ctx, log, path); err != nil {
		log.Error("processing failed", "code", err.Code, "error", err)
		if err.Code == CodeParse {
			p.tracker.ProcessingError()
		}
		return
	}
	log.Info("processing complete")
}

// processFile is the fallible core of one attempt. The caller owns
// counting and final logging.
func (p *Processor) processFile(ctx context.Context, log *slog.Logger, path string) *ProcessError {
	raw, err := readBounded(path)
	if err != nil {
		return &ProcessError{Code: CodeParse, Path: path, Message: "read file", Err: err}
	}

	m, err := measure.Parse(raw)
	if err != nil {
		return &ProcessError{Code: CodeParse, Path: path, Message: "parse payload", Err: err}
	}
	log = log.With("machine", m.MachineID, "operator", m.Operator)

	// Deviations go out even when the merge finds no open shard, so the
	// operator sees corrections for a batch that is already closed out.
	defer p.pushDeviations(log, m)

	loadIndex, ok, err := p.store.LookupLoadIndex(ctx, m.MachineID)
	if err != nil {
		return &ProcessError{Code: CodeStore, Path: path, Message: "look up load index", Err: err}
	}
	if !ok {
		return &ProcessError{Code: CodeLookupMiss, Path: path,
			Message: fmt.Sprintf("no active load plan for machine %s", m.MachineID)}
	}

	cfg, ok, err := p.store.LookupSamplingConfig(ctx, loadIndex)
	if err != nil {
		return &ProcessError{Code: CodeStore, Path: path, Message: "look up sampling config", Err: err}
	}
	if !ok {
		return &ProcessError{Code: CodeLookupMiss, Path: path,
			Message: fmt.Sprintf("no sampling config for load %s", loadIndex)}
	}

	res, err := batch.Merge(ctx, p.store, loadIndex, cfg, m)
	if err != nil {
		code := CodeStore
		if errors.Is(err, batch.ErrConfig) {
			code = CodeConfig
		}
		return &ProcessError{Code: code, Path: path, Message: "merge into batch record", Err: err}
	}

	if !res.Matched {
		log.Warn("no eligible shard, measurement not recorded", "load_index", loadIndex)
		return nil
	}
	log.Info("measurement merged", "shard", res.Key.String(), "measure_count", res.MeasureCount)
	return nil
}

// pushDeviations serializes and sends the measurement's deviation set to
// the machine's own terminal. A machine with no registered terminal gets
// nothing: corrections are machine-specific, so delivering them anywhere
// else would steer the wrong press.
func (p *Processor) pushDeviations(log *slog.Logger, m measure.Measurement) {
	if p.notifier == nil || len(m.Deviations) == 0 {
		return
	}

	frame, err := m.Deviations.Frame()
	if err != nil {
		log.Error("encode deviation frame", "error", err)
		return
	}

	if err := p.notifier.Notify(m.MachineID, frame); err != nil {
		log.Warn("no terminal for machine, dropping corrections", "error", err)
	}
}

// readBounded reads the file, rejecting payloads past the parser's cap
// before they are buffered.
func readBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > measure.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", measure.ErrOversized, info.Size())
	}
	return os.ReadFile(path)
}

func newAttemptToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
