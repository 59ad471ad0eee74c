package tdac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Step identifies one endpoint of the fixed arrival-card sequence.
type Step string

const (
	StepInitActionToken        Step = "initActionToken"
	StepGotoAdd                Step = "gotoAdd"
	StepCheckHealthDeclaration Step = "checkHealthDeclaration"
	StepNext                   Step = "next"
	StepGotoPreview            Step = "gotoPreview"
	StepSubmit                 Step = "submit"
	StepGotoSubmitted          Step = "gotoSubmitted"
	StepDownloadPdf            Step = "downloadPdf"
)

// stepOrder is the only legal sequence. No skipping, no reordering.
var stepOrder = []Step{
	StepInitActionToken,
	StepGotoAdd,
	StepCheckHealthDeclaration,
	StepNext,
	StepGotoPreview,
	StepSubmit,
	StepGotoSubmitted,
	StepDownloadPdf,
}

type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ProtocolClient drives the arrival-card API. It holds only transport state
// (cookies, timeouts); all per-attempt state lives in the SubmissionSession
// it is handed.
type ProtocolClient struct {
	client  *http.Client
	config  *Config
	baseURL string
}

func NewProtocolClient(config *Config) (*ProtocolClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := &http.Client{
		Timeout: config.stepTimeout(),
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &ProtocolClient{
		client:  client,
		config:  config,
		baseURL: strings.TrimRight(config.TargetOrigin, "/") + config.APIBasePath,
	}, nil
}

// Run executes the full 8-step sequence. Later steps depend on identifiers
// minted by earlier ones, so no request is built before the prior response
// has been merged into the session. Returns the confirmation PDF bytes.
func (p *ProtocolClient) Run(ctx context.Context, session *SubmissionSession, traveler *TravelerContext) ([]byte, error) {
	session.Status = StatusInProgress

	if err := p.InitActionToken(ctx, session); err != nil {
		session.Status = StatusFailed
		return nil, err
	}
	if err := p.GotoAdd(ctx, session); err != nil {
		session.Status = StatusFailed
		return nil, err
	}
	if err := p.CheckHealthDeclaration(ctx, session, traveler); err != nil {
		session.Status = StatusFailed
		return nil, err
	}
	if err := p.Next(ctx, session, traveler); err != nil {
		session.Status = StatusFailed
		return nil, err
	}
	if err := p.GotoPreview(ctx, session); err != nil {
		session.Status = StatusFailed
		return nil, err
	}

	if err := p.Submit(ctx, session); err != nil {
		var ambiguous *AmbiguousSubmissionError
		if !errors.As(err, &ambiguous) {
			session.Status = StatusFailed
		}
		return nil, err
	}
	session.Status = StatusSubmitted

	if err := p.GotoSubmitted(ctx, session); err != nil {
		return nil, err
	}

	pdf, err := p.DownloadPdf(ctx, session)
	if err != nil {
		return nil, err
	}

	session.Status = StatusConfirmed
	return pdf, nil
}

// InitActionToken exchanges the single-use challenge token for the
// server-issued action token scoping the rest of the sequence. A failure
// here is fatal for the session: the challenge token cannot be replayed.
func (p *ProtocolClient) InitActionToken(ctx context.Context, session *SubmissionSession) error {
	query := url.Values{"submitId": {session.SubmitID}}
	payload := map[string]interface{}{
		"token":    session.ChallengeToken,
		"language": p.config.Language,
	}

	data, err := p.execute(ctx, session, StepInitActionToken, true, "/security/initActionToken", query, payload)
	if err != nil {
		return err
	}

	var parsed struct {
		ActionToken string `json:"actionToken"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &StepError{Step: StepInitActionToken, ServerMessage: "unparseable response body", Err: err}
	}
	if parsed.ActionToken == "" {
		return &StepError{Step: StepInitActionToken, ServerMessage: "response missing actionToken"}
	}

	session.ActionToken = parsed.ActionToken
	return nil
}

// GotoAdd opens the server-side "new submission" workflow. Idempotent within
// a session.
func (p *ProtocolClient) GotoAdd(ctx context.Context, session *SubmissionSession) error {
	payload := map[string]interface{}{"actionToken": session.ActionToken}
	_, err := p.execute(ctx, session, StepGotoAdd, true, "/arrivalcard/gotoAdd", nil, payload)
	return err
}

// CheckHealthDeclaration submits the health answers. Must complete before
// the main data step.
func (p *ProtocolClient) CheckHealthDeclaration(ctx context.Context, session *SubmissionSession, traveler *TravelerContext) error {
	payload := map[string]interface{}{
		"actionToken":        session.ActionToken,
		"hasSymptoms":        traveler.Health.HasSymptoms,
		"contactWithPatient": traveler.Health.ContactWithPatient,
	}
	if len(traveler.Health.VisitedCountries) > 0 {
		payload["visitedCountries"] = traveler.Health.VisitedCountries
	}

	_, err := p.execute(ctx, session, StepCheckHealthDeclaration, true, "/arrivalcard/checkHealthDeclaration", nil, payload)
	return err
}

// Next submits the full traveler record.
func (p *ProtocolClient) Next(ctx context.Context, session *SubmissionSession, traveler *TravelerContext) error {
	payload, err := buildTravelerPayload(session, traveler)
	if err != nil {
		return &StepError{Step: StepNext, ServerMessage: "could not build traveler payload", Err: err}
	}

	_, err = p.execute(ctx, session, StepNext, true, "/arrivalcard/next", nil, payload)
	return err
}

// GotoPreview requests the assembled-submission preview. Its only useful
// output is the hidden token the finalize step requires, which is why it can
// never be skipped.
func (p *ProtocolClient) GotoPreview(ctx context.Context, session *SubmissionSession) error {
	payload := map[string]interface{}{"actionToken": session.ActionToken}

	data, err := p.execute(ctx, session, StepGotoPreview, true, "/arrivalcard/gotoPreview", nil, payload)
	if err != nil {
		return err
	}

	var parsed struct {
		HiddenToken string `json:"hiddenToken"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &StepError{Step: StepGotoPreview, ServerMessage: "unparseable response body", Err: err}
	}
	if parsed.HiddenToken == "" {
		return &StepError{Step: StepGotoPreview, ServerMessage: "preview response missing hiddenToken"}
	}

	session.HiddenToken = parsed.HiddenToken
	return nil
}

// Submit finalizes the submission. This is the only step that creates a
// permanent server-side record, so it is never auto-retried: a transport
// failure with no response becomes AmbiguousSubmissionError and must go
// through Reconcile before anyone considers resubmitting.
func (p *ProtocolClient) Submit(ctx context.Context, session *SubmissionSession) error {
	if session.HiddenToken == "" {
		return &StepError{Step: StepSubmit, ServerMessage: "refusing to finalize without hiddenToken"}
	}

	payload := map[string]interface{}{
		"actionToken": session.ActionToken,
		"hiddenToken": session.HiddenToken,
	}

	_, err := p.execute(ctx, session, StepSubmit, false, "/arrivalcard/submit", nil, payload)
	if err != nil && isTransientNetworkError(err) {
		return &AmbiguousSubmissionError{SubmitID: session.SubmitID, Err: err}
	}
	return err
}

// GotoSubmitted confirms completion and retrieves the confirmation
// artifacts.
func (p *ProtocolClient) GotoSubmitted(ctx context.Context, session *SubmissionSession) error {
	payload := map[string]interface{}{"actionToken": session.ActionToken}

	data, err := p.execute(ctx, session, StepGotoSubmitted, true, "/arrivalcard/gotoSubmitted", nil, payload)
	if err != nil {
		return err
	}

	var parsed struct {
		ArrCardNo string `json:"arrCardNo"`
		QRCode    string `json:"qrCode"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &StepError{Step: StepGotoSubmitted, ServerMessage: "unparseable response body", Err: err}
	}
	if parsed.ArrCardNo == "" {
		return &StepError{Step: StepGotoSubmitted, ServerMessage: "response missing arrCardNo"}
	}

	session.ArrivalCardNo = parsed.ArrCardNo
	session.QRPayload = parsed.QRCode
	return nil
}

// DownloadPdf retrieves the printable confirmation document.
func (p *ProtocolClient) DownloadPdf(ctx context.Context, session *SubmissionSession) ([]byte, error) {
	payload := map[string]interface{}{
		"actionToken": session.ActionToken,
		"arrCardNo":   session.ArrivalCardNo,
	}

	var pdf []byte
	call := func(ctx context.Context) (json.RawMessage, int, error) {
		raw, status, err := p.post(ctx, "/arrivalcard/downloadPdf", nil, payload)
		if err != nil {
			return nil, status, err
		}
		if status >= 400 {
			return nil, status, &StepError{Step: StepDownloadPdf, HTTPStatus: status, ServerMessage: strings.TrimSpace(string(raw))}
		}
		if len(raw) == 0 {
			return nil, status, &StepError{Step: StepDownloadPdf, HTTPStatus: status, ServerMessage: "empty document body"}
		}
		pdf = raw
		return nil, status, nil
	}

	if _, err := p.timedStep(ctx, session, StepDownloadPdf, true, call); err != nil {
		return nil, err
	}
	return pdf, nil
}

// Reconcile checks whether an ambiguous finalize actually created a record,
// by re-querying the submitted-confirmation endpoint under the same action
// token. Returns true when a completed record exists (session updated).
func (p *ProtocolClient) Reconcile(ctx context.Context, session *SubmissionSession) (bool, error) {
	err := p.GotoSubmitted(ctx, session)
	if err != nil {
		var stepErr *StepError
		if errors.As(err, &stepErr) && stepErr.HTTPStatus != 0 {
			// The server answered and knows of no completed record.
			return false, nil
		}
		return false, err
	}
	session.Status = StatusConfirmed
	return true, nil
}

// buildTravelerPayload assembles the step-4 record. Optional fields with no
// value are omitted entirely. The server treats "present but empty" as
// materially different from "absent" and rejects the former.
func buildTravelerPayload(session *SubmissionSession, traveler *TravelerContext) (map[string]interface{}, error) {
	birthDate, err := normalizeDate(traveler.Passport.BirthDate)
	if err != nil {
		return nil, err
	}
	arrDate, err := normalizeDate(traveler.Trip.ArrivalDate)
	if err != nil {
		return nil, err
	}

	code, number := traveler.splitPhone()

	payload := map[string]interface{}{
		"actionToken": session.ActionToken,

		"familyName":  traveler.Passport.FamilyName,
		"firstName":   traveler.Passport.FirstName,
		"passportNo":  traveler.Passport.DocumentNumber,
		"nationality": traveler.Passport.Nationality,
		"birthDate":   birthDate,

		"countryCode":        code,
		"phoneNumber":        number,
		"email":              traveler.Personal.Email,
		"occupation":         traveler.Personal.Occupation,
		"countryOfResidence": traveler.Personal.CountryResidence,

		"arrDate":           arrDate,
		"flightNo":          traveler.Trip.ArrivalFlightNo,
		"countryBoarded":    traveler.Trip.CountryBoarded,
		"purpose":           traveler.Trip.PurposeOfTravel,
		"accommodationType": traveler.Trip.AccommodationType,
		"province":          traveler.Trip.Province,
		"address":           traveler.Trip.Address,
	}

	if traveler.Passport.MiddleName != "" {
		payload["middleName"] = traveler.Passport.MiddleName
	}
	if traveler.Passport.Gender != "" {
		payload["gender"] = traveler.Passport.Gender
	}
	if traveler.Personal.CityOfResidence != "" {
		payload["cityOfResidence"] = traveler.Personal.CityOfResidence
	}
	if traveler.Funding != "" {
		payload["funding"] = traveler.Funding
	}

	if traveler.hasDepartureLeg() {
		depDate, err := normalizeDate(traveler.Trip.DepartureDate)
		if err != nil {
			return nil, err
		}
		payload["depDate"] = depDate
		payload["depFlightNo"] = traveler.Trip.DepartureFlightNo
	}

	return payload, nil
}

// execute runs one JSON step with the retry-once policy for transient
// network failures. Business rejections are never retried.
func (p *ProtocolClient) execute(ctx context.Context, session *SubmissionSession, step Step, retryable bool, path string, query url.Values, payload interface{}) (json.RawMessage, error) {
	call := func(ctx context.Context) (json.RawMessage, int, error) {
		return p.postJSON(ctx, step, path, query, payload)
	}
	return p.timedStep(ctx, session, step, retryable, call)
}

func (p *ProtocolClient) timedStep(ctx context.Context, session *SubmissionSession, step Step, retryable bool, call func(context.Context) (json.RawMessage, int, error)) (json.RawMessage, error) {
	data, err := p.timedCall(ctx, session, step, call)
	if err != nil && retryable && isTransientNetworkError(err) && ctx.Err() == nil {
		p.debugLog("step %s transient failure, retrying once: %v", step, err)
		data, err = p.timedCall(ctx, session, step, call)
	}
	return data, err
}

func (p *ProtocolClient) timedCall(ctx context.Context, session *SubmissionSession, step Step, call func(context.Context) (json.RawMessage, int, error)) (json.RawMessage, error) {
	start := time.Now()
	data, status, err := call(ctx)
	elapsed := time.Since(start)

	result := StepResult{
		Step:       step,
		HTTPStatus: status,
		Duration:   elapsed,
		Success:    err == nil,
	}
	if err != nil {
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			result.ServerMessage = stepErr.ServerMessage
		}
		if isTransientNetworkError(err) {
			// A failure observed well under the configured per-call timeout
			// points at the local runtime or an intermediary, not the server.
			p.debugLog("step %s failed after %v (timeout origin: %s)",
				step, elapsed.Round(time.Millisecond), classifyTimeoutOrigin(elapsed, p.config.stepTimeout()))
		}
	}
	session.recordStep(result)

	return data, err
}

// postJSON sends one step request and unwraps the API envelope.
func (p *ProtocolClient) postJSON(ctx context.Context, step Step, path string, query url.Values, payload interface{}) (json.RawMessage, int, error) {
	raw, status, err := p.post(ctx, path, query, payload)
	if err != nil {
		return nil, status, err
	}

	if status >= 400 {
		return nil, status, &StepError{Step: step, HTTPStatus: status, ServerMessage: strings.TrimSpace(string(raw))}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, status, &StepError{Step: step, HTTPStatus: status, ServerMessage: "unparseable response body", Err: err}
	}
	if env.Status != "ok" {
		return nil, status, &StepError{Step: step, HTTPStatus: status, ServerMessage: env.Message}
	}

	return env.Data, status, nil
}

// post performs the raw HTTP exchange with browser-like headers. A transport
// failure returns status 0: no response was received.
func (p *ProtocolClient) post(ctx context.Context, path string, query url.Values, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := p.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.config.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("Origin", p.config.TargetOrigin)
	req.Header.Set("Referer", p.config.TargetOrigin+"/")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	return raw, resp.StatusCode, nil
}

func (p *ProtocolClient) debugLog(format string, args ...interface{}) {
	if p.config.DebugMode {
		log.Printf("[protocol] "+format, args...)
	}
}
