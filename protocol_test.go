package tdac

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArrivalAPI is an in-process stand-in for the arrival-card endpoints.
// It records every call in order and keeps the last request body per
// endpoint so tests can assert on payload shape.
type fakeArrivalAPI struct {
	t *testing.T

	mu     sync.Mutex
	calls  []string
	bodies map[string]json.RawMessage

	omitHiddenToken bool
	hangSubmit      bool
	noRecord        bool
	dropFirst       map[string]bool
	reject          map[string]string
}

func newFakeArrivalAPI(t *testing.T) (*fakeArrivalAPI, *httptest.Server) {
	api := &fakeArrivalAPI{
		t:         t,
		bodies:    make(map[string]json.RawMessage),
		dropFirst: make(map[string]bool),
		reject:    make(map[string]string),
	}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return api, server
}

func (f *fakeArrivalAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := path.Base(r.URL.Path)

	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		f.bodies[endpoint] = body
	}
	drop := f.dropFirst[endpoint]
	if drop {
		f.dropFirst[endpoint] = false
	}
	rejectMsg := f.reject[endpoint]
	f.mu.Unlock()

	if drop {
		hj, ok := w.(http.Hijacker)
		if !ok {
			f.t.Fatal("test server does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			f.t.Fatalf("hijack failed: %v", err)
		}
		conn.Close()
		return
	}

	if rejectMsg != "" {
		writeEnvelope(w, "error", rejectMsg, nil)
		return
	}

	switch endpoint {
	case "initActionToken":
		if r.URL.Query().Get("submitId") == "" {
			writeEnvelope(w, "error", "missing submitId", nil)
			return
		}
		writeEnvelope(w, "ok", "", map[string]string{"actionToken": "AT-100"})
	case "gotoAdd", "checkHealthDeclaration", "next":
		writeEnvelope(w, "ok", "", map[string]string{})
	case "gotoPreview":
		if f.omitHiddenToken {
			writeEnvelope(w, "ok", "", map[string]string{})
			return
		}
		writeEnvelope(w, "ok", "", map[string]string{"hiddenToken": "HT-200"})
	case "submit":
		if f.hangSubmit {
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Second):
			}
			return
		}
		writeEnvelope(w, "ok", "", map[string]string{})
	case "gotoSubmitted":
		if f.noRecord {
			writeEnvelope(w, "error", "no completed record", nil)
			return
		}
		writeEnvelope(w, "ok", "", map[string]string{
			"arrCardNo": "TH2026000123",
			"qrCode":    "QR|TH2026000123",
		})
	case "downloadPdf":
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4 fake confirmation document")
	default:
		http.NotFound(w, r)
	}
}

func writeEnvelope(w http.ResponseWriter, status, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"message": message,
		"data":    data,
	})
}

func (f *fakeArrivalAPI) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == endpoint {
			n++
		}
	}
	return n
}

func (f *fakeArrivalAPI) lastBody(endpoint string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.bodies[endpoint]
	if !ok {
		return nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		f.t.Fatalf("body for %s is not JSON: %v", endpoint, err)
	}
	return parsed
}

func newTestConfig(serverURL string, tempDir string) *Config {
	cfg := DefaultConfig()
	cfg.TargetOrigin = serverURL
	cfg.APIBasePath = ""
	cfg.StepTimeoutSeconds = 1
	cfg.AttemptBudgetSeconds = 30
	cfg.EnableClockCheck = false
	cfg.EnableFallback = false
	cfg.OutputDir = tempDir
	cfg.BrowserProfilePath = tempDir
	return cfg
}

func newTestSession() *SubmissionSession {
	s := newSession()
	s.ChallengeToken = "CH-1"
	return s
}

func TestProtocolRunHappyPath(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	session := newTestSession()
	pdf, err := client.Run(context.Background(), session, validTraveler())
	require.NoError(t, err)

	assert.Contains(t, string(pdf), "%PDF")
	assert.Equal(t, "AT-100", session.ActionToken)
	assert.Equal(t, "HT-200", session.HiddenToken)
	assert.Equal(t, "TH2026000123", session.ArrivalCardNo)
	assert.Equal(t, "QR|TH2026000123", session.QRPayload)
	assert.Equal(t, StatusConfirmed, session.Status)
	assert.Len(t, session.Steps, len(stepOrder))

	wantOrder := []string{
		"initActionToken", "gotoAdd", "checkHealthDeclaration", "next",
		"gotoPreview", "submit", "gotoSubmitted", "downloadPdf",
	}
	assert.Equal(t, wantOrder, api.calls)

	body := api.lastBody("next")
	assert.Equal(t, "86", body["countryCode"])
	assert.Equal(t, "13800138000", body["phoneNumber"])
	assert.Equal(t, "AT-100", body["actionToken"])
	assert.Equal(t, "2026/09/10", body["arrDate"])
	assert.Equal(t, "2026/09/20", body["depDate"])
}

func TestProtocolStopsWhenPreviewOmitsHiddenToken(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	api.omitHiddenToken = true
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	session := newTestSession()
	_, err = client.Run(context.Background(), session, validTraveler())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepGotoPreview, stepErr.Step)
	assert.Equal(t, StatusFailed, session.Status)
	assert.Zero(t, api.callCount("submit"), "finalize must never run without hiddenToken")
}

func TestProtocolSubmitTimeoutIsAmbiguousNotRetried(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	api.hangSubmit = true
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	session := newTestSession()
	_, err = client.Run(context.Background(), session, validTraveler())

	var ambiguous *AmbiguousSubmissionError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, session.SubmitID, ambiguous.SubmitID)
	assert.Equal(t, 1, api.callCount("submit"), "finalize is never auto-retried")
	assert.NotEqual(t, StatusFailed, session.Status, "ambiguity is not a terminal failure")
}

func TestProtocolRetriesTransientFailureOnce(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	api.dropFirst["gotoAdd"] = true
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	session := newTestSession()
	_, err = client.Run(context.Background(), session, validTraveler())
	require.NoError(t, err)

	assert.Equal(t, 2, api.callCount("gotoAdd"))
	assert.Equal(t, 1, api.callCount("initActionToken"), "earlier steps are not re-run")
}

func TestProtocolBusinessRejectionNotRetried(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	api.reject["checkHealthDeclaration"] = "health declaration incomplete"
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	session := newTestSession()
	_, err = client.Run(context.Background(), session, validTraveler())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepCheckHealthDeclaration, stepErr.Step)
	assert.Equal(t, "health declaration incomplete", stepErr.ServerMessage)
	assert.Equal(t, 1, api.callCount("checkHealthDeclaration"))
	assert.Zero(t, api.callCount("next"))
	assert.Equal(t, StatusFailed, session.Status)
}

func TestProtocolReconcile(t *testing.T) {
	t.Run("Completed record found", func(t *testing.T) {
		_, server := newFakeArrivalAPI(t)
		client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
		require.NoError(t, err)

		session := newTestSession()
		session.ActionToken = "AT-100"

		confirmed, err := client.Reconcile(context.Background(), session)
		require.NoError(t, err)
		assert.True(t, confirmed)
		assert.Equal(t, "TH2026000123", session.ArrivalCardNo)
		assert.Equal(t, StatusConfirmed, session.Status)
	})

	t.Run("Server knows of no record", func(t *testing.T) {
		api, server := newFakeArrivalAPI(t)
		api.noRecord = true
		client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
		require.NoError(t, err)

		session := newTestSession()
		session.ActionToken = "AT-100"

		confirmed, err := client.Reconcile(context.Background(), session)
		require.NoError(t, err)
		assert.False(t, confirmed)
	})

	t.Run("Unreachable server stays ambiguous", func(t *testing.T) {
		_, server := newFakeArrivalAPI(t)
		cfg := newTestConfig(server.URL, t.TempDir())
		server.Close()
		client, err := NewProtocolClient(cfg)
		require.NoError(t, err)

		session := newTestSession()
		session.ActionToken = "AT-100"

		confirmed, err := client.Reconcile(context.Background(), session)
		assert.False(t, confirmed)
		assert.Error(t, err)
	})
}

func TestBuildTravelerPayloadOmitsAbsentFields(t *testing.T) {
	session := newTestSession()
	session.ActionToken = "AT-100"

	t.Run("No departure leg", func(t *testing.T) {
		traveler := validTraveler()
		traveler.Trip.DepartureDate = ""
		traveler.Trip.DepartureFlightNo = ""

		payload, err := buildTravelerPayload(session, traveler)
		require.NoError(t, err)

		_, hasDepDate := payload["depDate"]
		_, hasDepFlight := payload["depFlightNo"]
		assert.False(t, hasDepDate, "depDate must be absent, not empty")
		assert.False(t, hasDepFlight, "depFlightNo must be absent, not empty")
	})

	t.Run("Departure leg present", func(t *testing.T) {
		payload, err := buildTravelerPayload(session, validTraveler())
		require.NoError(t, err)

		assert.Equal(t, "2026/09/20", payload["depDate"])
		assert.Equal(t, "TG674", payload["depFlightNo"])
	})

	t.Run("Empty optionals omitted", func(t *testing.T) {
		traveler := validTraveler()
		traveler.Passport.MiddleName = ""
		traveler.Personal.CityOfResidence = ""
		traveler.Funding = ""

		payload, err := buildTravelerPayload(session, traveler)
		require.NoError(t, err)

		for _, key := range []string{"middleName", "cityOfResidence", "funding"} {
			_, present := payload[key]
			assert.False(t, present, "%s must be absent when empty", key)
		}
	})
}

func TestProtocolHealthDeclarationVisitedCountries(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	traveler := validTraveler()
	traveler.Health.VisitedCountries = []string{"KEN", "UGA"}

	session := newTestSession()
	_, err = client.Run(context.Background(), session, traveler)
	require.NoError(t, err)

	body := api.lastBody("checkHealthDeclaration")
	assert.Equal(t, []interface{}{"KEN", "UGA"}, body["visitedCountries"])

	api2, server2 := newFakeArrivalAPI(t)
	client2, err := NewProtocolClient(newTestConfig(server2.URL, t.TempDir()))
	require.NoError(t, err)

	_, err = client2.Run(context.Background(), newTestSession(), validTraveler())
	require.NoError(t, err)

	_, present := api2.lastBody("checkHealthDeclaration")["visitedCountries"]
	assert.False(t, present, "visitedCountries must be absent when no countries were visited")
}

func TestProtocolSubmitRefusesWithoutHiddenToken(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	session := newTestSession()
	session.ActionToken = "AT-100"

	err = client.Submit(context.Background(), session)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepSubmit, stepErr.Step)
	assert.Zero(t, api.callCount("submit"), "no request may leave the client")
}

func TestProtocolInitActionTokenSendsSubmitID(t *testing.T) {
	api, server := newFakeArrivalAPI(t)
	client, err := NewProtocolClient(newTestConfig(server.URL, t.TempDir()))
	require.NoError(t, err)

	session := newTestSession()
	require.NoError(t, client.InitActionToken(context.Background(), session))

	body := api.lastBody("initActionToken")
	assert.Equal(t, "CH-1", body["token"])
	assert.Equal(t, "EN", body["language"])
	assert.Equal(t, "AT-100", session.ActionToken)
}
