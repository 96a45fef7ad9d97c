package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
	"github.com/Plonkawojciech/open-kaap-pro/internal/provider"
)

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeServed
)

// Attempt records one candidate tried during a chat turn
type Attempt struct {
	Model    string
	Provider string
	Err      error
	Duration time.Duration
}

// ChatTurn is an established stream. Close releases the stream and the turn deadline.
type ChatTurn struct {
	Model    string
	Provider string
	Stream   provider.Stream
	Attempts []Attempt

	cancel context.CancelFunc
}

func (t *ChatTurn) Recv() (provider.StreamEvent, error) {
	return t.Stream.Recv()
}

func (t *ChatTurn) Close() error {
	err := t.Stream.Close()
	if t.cancel != nil {
		t.cancel()
	}
	return err
}

// Candidates returns [primary, ...fallbacks], normalized, without empties or repeats.
func Candidates(req *TurnRequest) []string {
	return modelid.NormalizeList(append([]string{req.PrimaryModel()}, req.FallbackModels...))
}

// Chat opens a stream on the first candidate that accepts the request. Fallback only
// happens before any output reaches the caller.
func (o *Orchestrator) Chat(ctx context.Context, req *TurnRequest) (*ChatTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)

	candidates := Candidates(req)
	attempts := make([]Attempt, 0, len(candidates))
	var lastErr error

	for _, candidate := range candidates {
		turn, att, result := o.tryCandidate(ctx, req, candidate)
		attempts = append(attempts, att)
		if result == outcomeServed {
			turn.Attempts = attempts
			turn.cancel = cancel
			return turn, nil
		}
		lastErr = att.Err
		if ctx.Err() != nil {
			// No candidate can start once the turn deadline has passed.
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
	}

	cancel()
	o.logger.Error("All %d candidates failed for chat turn: %v", len(attempts), lastErr)
	return nil, AsFailure(lastErr)
}

func (o *Orchestrator) tryCandidate(ctx context.Context, req *TurnRequest, candidate string) (*ChatTurn, Attempt, outcome) {
	att := Attempt{Model: candidate, Provider: o.resolver.ProviderFor(candidate)}
	start := time.Now()

	client, err := o.resolver.Resolve(ctx, candidate, req.APIKeys)
	if err != nil {
		att.Err = err
		att.Duration = time.Since(start)
		o.logger.Warn("Candidate %s could not be resolved: %v", candidate, err)
		return nil, att, outcomeContinue
	}

	stream, err := client.Stream(ctx, o.generateRequest(req, candidate))
	att.Duration = time.Since(start)
	o.metrics.RecordProviderAttempt(client.Provider(), err == nil, att.Duration)
	if err != nil {
		att.Err = err
		o.logger.Warn("Candidate %s (%s) failed to start stream: %v", candidate, client.Provider(), err)
		return nil, att, outcomeContinue
	}

	o.logger.Debug("Candidate %s (%s) serving chat turn", candidate, client.Provider())
	return &ChatTurn{Model: candidate, Provider: client.Provider(), Stream: stream}, att, outcomeServed
}
