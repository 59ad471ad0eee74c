package tdac

import (
	"fmt"
	"strings"
	"time"
)

// Passport holds the machine-readable-zone fields of the traveler's document.
type Passport struct {
	FamilyName     string `yaml:"family_name"`
	FirstName      string `yaml:"first_name"`
	MiddleName     string `yaml:"middle_name"`
	DocumentNumber string `yaml:"document_number"`
	Nationality    string `yaml:"nationality"`
	BirthDate      string `yaml:"birth_date"`
	Gender         string `yaml:"gender"`
}

// Personal holds contact and background fields.
type Personal struct {
	PhoneCode        string `yaml:"phone_code"`
	PhoneNumber      string `yaml:"phone_number"`
	Email            string `yaml:"email"`
	Occupation       string `yaml:"occupation"`
	CityOfResidence  string `yaml:"city_of_residence"`
	CountryResidence string `yaml:"country_of_residence"`
}

// Trip holds the arrival leg (mandatory) and departure leg (optional).
type Trip struct {
	ArrivalDate        string `yaml:"arrival_date"`
	ArrivalFlightNo    string `yaml:"arrival_flight_no"`
	CountryBoarded     string `yaml:"country_boarded"`
	DepartureDate      string `yaml:"departure_date"`
	DepartureFlightNo  string `yaml:"departure_flight_no"`
	PurposeOfTravel    string `yaml:"purpose_of_travel"`
	AccommodationType  string `yaml:"accommodation_type"`
	Province           string `yaml:"province"`
	Address            string `yaml:"address"`
}

// HealthDeclaration holds the answers submitted before the main data step.
type HealthDeclaration struct {
	HasSymptoms        bool     `yaml:"has_symptoms"`
	ContactWithPatient bool     `yaml:"contact_with_patient"`
	VisitedCountries   []string `yaml:"visited_countries"`
}

// TravelerContext is the single input object for one submission. It is
// assembled by the surrounding application and treated as immutable here.
type TravelerContext struct {
	Passport Passport          `yaml:"passport"`
	Personal Personal          `yaml:"personal"`
	Trip     Trip              `yaml:"trip"`
	Health   HealthDeclaration `yaml:"health"`
	Funding  string            `yaml:"funding"`
}

// Validate checks every field the protocol requires. It runs before any
// network call; an incomplete context never reaches the wire.
func (t *TravelerContext) Validate() error {
	var missing []string

	required := []struct {
		name  string
		value string
	}{
		{"passport.family_name", t.Passport.FamilyName},
		{"passport.first_name", t.Passport.FirstName},
		{"passport.document_number", t.Passport.DocumentNumber},
		{"passport.nationality", t.Passport.Nationality},
		{"passport.birth_date", t.Passport.BirthDate},
		{"personal.phone_code", t.Personal.PhoneCode},
		{"personal.phone_number", t.Personal.PhoneNumber},
		{"personal.email", t.Personal.Email},
		{"personal.occupation", t.Personal.Occupation},
		{"personal.country_of_residence", t.Personal.CountryResidence},
		{"trip.arrival_date", t.Trip.ArrivalDate},
		{"trip.arrival_flight_no", t.Trip.ArrivalFlightNo},
		{"trip.country_boarded", t.Trip.CountryBoarded},
		{"trip.purpose_of_travel", t.Trip.PurposeOfTravel},
		{"trip.accommodation_type", t.Trip.AccommodationType},
		{"trip.province", t.Trip.Province},
		{"trip.address", t.Trip.Address},
	}

	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}

	// Departure is optional, but a half-filled leg is an input bug.
	hasDepDate := strings.TrimSpace(t.Trip.DepartureDate) != ""
	hasDepFlight := strings.TrimSpace(t.Trip.DepartureFlightNo) != ""
	if hasDepDate != hasDepFlight {
		missing = append(missing, "trip.departure_date/departure_flight_no (both or neither)")
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}

	if _, err := normalizeDate(t.Passport.BirthDate); err != nil {
		return &ValidationError{Missing: []string{"passport.birth_date (" + err.Error() + ")"}}
	}
	if _, err := normalizeDate(t.Trip.ArrivalDate); err != nil {
		return &ValidationError{Missing: []string{"trip.arrival_date (" + err.Error() + ")"}}
	}
	if hasDepDate {
		if _, err := normalizeDate(t.Trip.DepartureDate); err != nil {
			return &ValidationError{Missing: []string{"trip.departure_date (" + err.Error() + ")"}}
		}
	}

	return nil
}

// hasDepartureLeg reports whether the optional departure leg is present.
func (t *TravelerContext) hasDepartureLeg() bool {
	return strings.TrimSpace(t.Trip.DepartureDate) != "" &&
		strings.TrimSpace(t.Trip.DepartureFlightNo) != ""
}

// splitPhone returns the dialing code (leading '+' stripped) and the number
// as two separate values. The API rejects concatenated forms.
func (t *TravelerContext) splitPhone() (code string, number string) {
	code = strings.TrimSpace(t.Personal.PhoneCode)
	code = strings.TrimPrefix(code, "+")
	number = strings.TrimSpace(t.Personal.PhoneNumber)
	return code, number
}

// normalizeDate parses user-facing date formats into the calendar-date form
// the API expects. No time component survives.
// Accepted inputs:
//   - "2026-03-01"           (YYYY-MM-DD)
//   - "2026/03/01"           (YYYY/MM/DD)
//   - "2026-03-01T10:00:00Z" (RFC3339, time discarded)
func normalizeDate(dateStr string) (string, error) {
	dateStr = strings.TrimSpace(dateStr)

	if t, err := time.Parse("2006-01-02", dateStr); err == nil {
		return t.Format("2006/01/02"), nil
	}

	if t, err := time.Parse("2006/01/02", dateStr); err == nil {
		return t.Format("2006/01/02"), nil
	}

	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		return t.Format("2006/01/02"), nil
	}

	return "", fmt.Errorf("invalid date '%s'. Use format: YYYY-MM-DD (e.g., 2026-03-01)", dateStr)
}
