package tdac

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// FallbackDriver performs the entire flow by driving the site's own form
// through simulated user input, relying on the site's challenge resolution
// instead of the token+API path. Slower and more fragile than the primary
// path; the orchestrator selects it only when the primary path fails or the
// caller asks for it.
type FallbackDriver interface {
	Run(ctx context.Context, traveler *TravelerContext) (*SubmissionResult, error)
}

// DOMAutomationDriver is the rod-based FallbackDriver. It renders the target
// site visibly and fills the arrival-card form via the configured selectors.
type DOMAutomationDriver struct {
	config *Config
}

func NewDOMAutomationDriver(config *Config) *DOMAutomationDriver {
	return &DOMAutomationDriver{config: config}
}

func (d *DOMAutomationDriver) Run(ctx context.Context, traveler *TravelerContext) (*SubmissionResult, error) {
	start := time.Now()

	browser := newVisibleBrowserSession(d.config)
	defer browser.Close()

	if err := browser.Start(); err != nil {
		return nil, fmt.Errorf("failed to start fallback browser: %w", err)
	}

	page := browser.page
	sel := d.config.Selectors

	arrDate, err := normalizeDate(traveler.Trip.ArrivalDate)
	if err != nil {
		return nil, err
	}
	birthDate, err := normalizeDate(traveler.Passport.BirthDate)
	if err != nil {
		return nil, err
	}
	code, number := traveler.splitPhone()

	fields := []struct {
		selector string
		value    string
	}{
		{sel.FamilyNameInput, traveler.Passport.FamilyName},
		{sel.FirstNameInput, traveler.Passport.FirstName},
		{sel.PassportNoInput, traveler.Passport.DocumentNumber},
		{sel.NationalityInput, traveler.Passport.Nationality},
		{sel.BirthDateInput, birthDate},
		{sel.EmailInput, traveler.Personal.Email},
		{sel.PhoneInput, code + " " + number},
		{sel.ArrivalDateInput, arrDate},
		{sel.ArrivalFlightInput, traveler.Trip.ArrivalFlightNo},
	}

	for _, field := range fields {
		if err := fillField(page, field.selector, field.value); err != nil {
			return nil, fmt.Errorf("failed to fill %s: %w", field.selector, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if err := clickElement(page, sel.ContinueButton); err != nil {
		return nil, fmt.Errorf("failed to continue past data form: %w", err)
	}

	// The site's own challenge widget resolves here; give it room before
	// finalizing.
	if err := waitSettled(ctx, page, 5*time.Second); err != nil {
		return nil, err
	}

	if err := clickElement(page, sel.SubmitButton); err != nil {
		return nil, fmt.Errorf("failed to submit form: %w", err)
	}

	if err := waitSettled(ctx, page, 5*time.Second); err != nil {
		return nil, err
	}

	cardNo, err := readText(page, sel.ConfirmationNumber)
	if err != nil || cardNo == "" {
		return nil, fmt.Errorf("no confirmation number on page after submit: %v", err)
	}

	qrPayload, err := readAttribute(page, sel.ConfirmationQRImage, "src")
	if err != nil {
		log.Printf("fallback: confirmation found but QR image missing: %v", err)
	}

	return &SubmissionResult{
		Status:        ResultSuccess,
		ArrivalCardNo: strings.TrimSpace(cardNo),
		QRPayload:     qrPayload,
		Duration:      time.Since(start),
	}, nil
}

// fillField sets an input's value and fires the events frameworks listen
// for, mirroring typed user input.
func fillField(page *rod.Page, selector, value string) error {
	script := fmt.Sprintf(`() => {
		var el = document.querySelector(%q);
		if (!el) return false;
		el.focus();
		el.value = %q;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		el.blur();
		return true;
	}`, selector, value)

	result, err := page.Eval(script)
	if err != nil {
		return err
	}
	if !result.Value.Bool() {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

func clickElement(page *rod.Page, selector string) error {
	script := fmt.Sprintf(`() => {
		var el = document.querySelector(%q);
		if (!el) return false;
		el.click();
		return true;
	}`, selector)

	result, err := page.Eval(script)
	if err != nil {
		return err
	}
	if !result.Value.Bool() {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

func readText(page *rod.Page, selector string) (string, error) {
	script := fmt.Sprintf(`() => {
		var el = document.querySelector(%q);
		return el ? el.textContent : '';
	}`, selector)

	result, err := page.Eval(script)
	if err != nil {
		return "", err
	}
	return result.Value.Str(), nil
}

func readAttribute(page *rod.Page, selector, attribute string) (string, error) {
	script := fmt.Sprintf(`() => {
		var el = document.querySelector(%q);
		return el ? (el.getAttribute(%q) || '') : '';
	}`, selector, attribute)

	result, err := page.Eval(script)
	if err != nil {
		return "", err
	}
	return result.Value.Str(), nil
}

// waitSettled waits for navigation/render to settle, honoring cancellation.
func waitSettled(ctx context.Context, page *rod.Page, wait time.Duration) error {
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("page failed to settle: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
