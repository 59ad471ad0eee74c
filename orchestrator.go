package tdac

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubmitOptions tunes one submission attempt.
type SubmitOptions struct {
	// CorrelationID ties all steps of the attempt together for the caller.
	// At most one attempt per id runs at a time. Empty means generate one.
	CorrelationID string

	// DisableFallback keeps the orchestrator on the token+API path only.
	DisableFallback bool
}

// Orchestrator owns the end-to-end submission session: hidden browser
// lifecycle, token extraction, the protocol sequence, and the fallback
// policy. It is the single entry point of this package.
type Orchestrator struct {
	config   *Config
	protocol *ProtocolClient
	fallback FallbackDriver
	clock    *ClockCheck

	mu       sync.Mutex
	inFlight map[string]struct{}

	// acquireToken runs the hidden-session extraction; replaceable in tests.
	acquireToken func(ctx context.Context) (string, error)
}

func NewOrchestrator(config *Config) (*Orchestrator, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	protocol, err := NewProtocolClient(config)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		config:   config,
		protocol: protocol,
		fallback: NewDOMAutomationDriver(config),
		clock:    NewClockCheck(config.DebugMode),
		inFlight: make(map[string]struct{}),
	}
	o.acquireToken = o.extractTokenFromHiddenSession
	return o, nil
}

// Submit runs one complete submission attempt for the traveler. Pipeline
// failures come back inside the result with the failed stage tagged; the
// returned error is non-nil only for usage faults such as a duplicate
// in-flight correlation id.
func (o *Orchestrator) Submit(ctx context.Context, traveler *TravelerContext, opts SubmitOptions) (*SubmissionResult, error) {
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if !o.acquire(correlationID) {
		return nil, ErrAttemptInFlight
	}
	defer o.release(correlationID)

	start := time.Now()

	if o.config.AttemptBudgetSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.config.AttemptBudgetSeconds)*time.Second)
		defer cancel()
	}

	if err := traveler.Validate(); err != nil {
		return o.failure(start, StageValidation, err), nil
	}

	if o.config.EnableClockCheck {
		o.preflightClockCheck(ctx)
	}

	session := newSession()
	log.Printf("submission %s: starting attempt (correlation %s)", session.SubmitID, correlationID)

	extractStart := time.Now()
	token, err := o.acquireToken(ctx)
	if err != nil {
		log.Printf("submission %s: extraction failed after %v: %v",
			session.SubmitID, time.Since(extractStart).Round(time.Millisecond), err)
		return o.finishWithFallback(ctx, traveler, opts, start, StageExtraction, err)
	}
	session.ChallengeToken = token
	session.Status = StatusTokenReady
	log.Printf("submission %s: challenge token acquired in %v",
		session.SubmitID, time.Since(extractStart).Round(time.Millisecond))

	protocolStart := time.Now()
	pdf, err := o.protocol.Run(ctx, session, traveler)
	if err != nil {
		log.Printf("submission %s: protocol failed after %v: %v",
			session.SubmitID, time.Since(protocolStart).Round(time.Millisecond), err)

		var ambiguous *AmbiguousSubmissionError
		if errors.As(err, &ambiguous) {
			return o.reconcileAmbiguous(ctx, session, start, err), nil
		}
		return o.finishWithFallback(ctx, traveler, opts, start, StageProtocol, err)
	}

	session.PDFReference = o.storePDF(session, pdf)

	log.Printf("submission %s: confirmed as %s in %v",
		session.SubmitID, session.ArrivalCardNo, time.Since(start).Round(time.Millisecond))

	return &SubmissionResult{
		Status:        ResultSuccess,
		ArrivalCardNo: session.ArrivalCardNo,
		QRPayload:     session.QRPayload,
		PDFReference:  session.PDFReference,
		Duration:      time.Since(start),
	}, nil
}

// reconcileAmbiguous handles the one case where neither retry nor fallback
// is safe: the finalize call died without a response. One status re-query
// decides it; anything short of a confirmed record surfaces the ambiguity
// to the caller untouched.
func (o *Orchestrator) reconcileAmbiguous(ctx context.Context, session *SubmissionSession, start time.Time, ambiguousErr error) *SubmissionResult {
	log.Printf("submission %s: finalize outcome unknown, reconciling", session.SubmitID)

	confirmed, err := o.protocol.Reconcile(ctx, session)
	if err != nil {
		o.debugLog("reconciliation query failed: %v", err)
	}
	if !confirmed {
		return o.failure(start, StageProtocol, ambiguousErr)
	}

	log.Printf("submission %s: reconciliation found completed record %s", session.SubmitID, session.ArrivalCardNo)

	// Best effort; the record itself is confirmed either way.
	var pdfRef string
	if pdf, err := o.protocol.DownloadPdf(ctx, session); err == nil {
		pdfRef = o.storePDF(session, pdf)
	} else {
		o.debugLog("post-reconciliation document download failed: %v", err)
	}

	return &SubmissionResult{
		Status:        ResultSuccess,
		ArrivalCardNo: session.ArrivalCardNo,
		QRPayload:     session.QRPayload,
		PDFReference:  pdfRef,
		Duration:      time.Since(start),
	}
}

// finishWithFallback applies the fallback policy after a primary-path
// failure. The fallback runs at most once; its outcome is final.
func (o *Orchestrator) finishWithFallback(ctx context.Context, traveler *TravelerContext, opts SubmitOptions, start time.Time, stage Stage, primaryErr error) (*SubmissionResult, error) {
	if opts.DisableFallback || !o.config.EnableFallback || o.fallback == nil {
		return o.failure(start, stage, primaryErr), nil
	}
	if ctx.Err() != nil {
		return o.failure(start, stage, primaryErr), nil
	}

	log.Printf("primary path failed at %s stage, invoking DOM automation fallback", stage)

	result, err := o.fallback.Run(ctx, traveler)
	if err == nil && result != nil && result.Status == ResultSuccess {
		result.Duration = time.Since(start)
		return result, nil
	}

	fallbackErr := err
	if fallbackErr == nil && result != nil {
		fallbackErr = result.Err
	}
	if fallbackErr == nil {
		fallbackErr = fmt.Errorf("fallback driver returned no result")
	}

	return o.failure(start, StageFallback, &FallbackExhaustedError{
		Primary:  primaryErr,
		Fallback: fallbackErr,
	}), nil
}

// extractTokenFromHiddenSession is the default token acquisition path: a
// fresh hidden browser session on the target origin, the extractor racing
// its sources under the extraction deadline, and full teardown before
// returning in every case. The session is not destroyed until extraction
// has either succeeded or been abandoned.
func (o *Orchestrator) extractTokenFromHiddenSession(ctx context.Context) (string, error) {
	browser := newBrowserSession(o.config)
	defer browser.Close()

	if err := browser.Start(); err != nil {
		return "", fmt.Errorf("failed to start hidden session: %w", err)
	}

	dead := make(chan struct{}, 1)
	go browser.watch(dead)

	ctx, cancel := context.WithTimeout(ctx, o.config.extractionDeadline())
	defer cancel()

	type outcome struct {
		token string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		token, err := NewTokenExtractor(o.config, browser).Extract(ctx)
		done <- outcome{token, err}
	}()

	select {
	case <-dead:
		cancel()
		result := <-done
		if result.err != nil {
			return "", fmt.Errorf("browser died during extraction: %w", result.err)
		}
		return result.token, nil
	case result := <-done:
		return result.token, result.err
	}
}

func (o *Orchestrator) preflightClockCheck(ctx context.Context) {
	if err := o.clock.Sync(ctx); err != nil {
		o.debugLog("clock check skipped: %v", err)
		return
	}

	threshold := time.Duration(o.config.ClockSkewWarnSeconds) * time.Second
	if o.clock.Skewed(threshold) {
		log.Printf("warning: local clock is %v off reference time; date-sensitive fields may be rejected", o.clock.Offset().Round(time.Second))
	}
}

// storePDF writes the confirmation document under the configured output
// directory and returns its path. Failure to store never fails the
// submission; the record exists server-side regardless.
func (o *Orchestrator) storePDF(session *SubmissionSession, pdf []byte) string {
	if len(pdf) == 0 {
		return ""
	}

	dir := o.config.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		o.debugLog("failed to create output dir: %v", err)
		return ""
	}

	name := session.ArrivalCardNo
	if name == "" {
		name = session.SubmitID
	}
	path := filepath.Join(dir, name+".pdf")

	if err := os.WriteFile(path, pdf, 0644); err != nil {
		o.debugLog("failed to store confirmation document: %v", err)
		return ""
	}
	return path
}

func (o *Orchestrator) failure(start time.Time, stage Stage, err error) *SubmissionResult {
	return &SubmissionResult{
		Status:      ResultFailure,
		FailedStage: stage,
		Err:         err,
		Duration:    time.Since(start),
	}
}

func (o *Orchestrator) acquire(correlationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[correlationID]; exists {
		return false
	}
	o.inFlight[correlationID] = struct{}{}
	return true
}

func (o *Orchestrator) release(correlationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, correlationID)
}

func (o *Orchestrator) debugLog(format string, args ...interface{}) {
	if o.config.DebugMode {
		log.Printf("[orchestrator] "+format, args...)
	}
}
