package tdac

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	TargetOrigin string `yaml:"target_origin"`
	APIBasePath  string `yaml:"api_base_path"`
	Language     string `yaml:"language"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`
	UserAgent          string `yaml:"user_agent"`

	ViewportWidth  int     `yaml:"viewport_width"`
	ViewportHeight int     `yaml:"viewport_height"`
	LayoutOpacity  float64 `yaml:"layout_opacity"`

	PollIntervalMs  int `yaml:"poll_interval_ms"`
	MaxPollAttempts int `yaml:"max_poll_attempts"`

	StepTimeoutSeconds   int `yaml:"step_timeout_seconds"`
	AttemptBudgetSeconds int `yaml:"attempt_budget_seconds"`

	EnableFallback bool `yaml:"enable_fallback"`

	EnableClockCheck     bool `yaml:"enable_clock_check"`
	ClockSkewWarnSeconds int  `yaml:"clock_skew_warn_seconds"`

	OutputDir string `yaml:"output_dir"`

	DebugMode bool `yaml:"debug_mode"`

	Selectors SelectorConfig `yaml:"selectors"`
}

// SelectorConfig drives the DOM automation fallback. The primary path never
// touches these.
type SelectorConfig struct {
	FamilyNameInput     string `yaml:"family_name_input"`
	FirstNameInput      string `yaml:"first_name_input"`
	PassportNoInput     string `yaml:"passport_no_input"`
	NationalityInput    string `yaml:"nationality_input"`
	BirthDateInput      string `yaml:"birth_date_input"`
	EmailInput          string `yaml:"email_input"`
	PhoneInput          string `yaml:"phone_input"`
	ArrivalDateInput    string `yaml:"arrival_date_input"`
	ArrivalFlightInput  string `yaml:"arrival_flight_input"`
	ContinueButton      string `yaml:"continue_button"`
	SubmitButton        string `yaml:"submit_button"`
	ConfirmationNumber  string `yaml:"confirmation_number"`
	ConfirmationQRImage string `yaml:"confirmation_qr_image"`
}

func DefaultConfig() *Config {
	userDataDir := defaultUserDataDir()

	return &Config{
		TargetOrigin: "https://tdac.immigration.go.th",
		APIBasePath:  "/arrival-card/api",
		Language:     "EN",

		BrowserProfilePath: filepath.Join(userDataDir, "browser-profile"),
		Headless:           false,
		UserAgent:          "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",

		ViewportWidth:  1920,
		ViewportHeight: 1080,
		LayoutOpacity:  0.02,

		PollIntervalMs:  500,
		MaxPollAttempts: 60,

		StepTimeoutSeconds:   20,
		AttemptBudgetSeconds: 180,

		EnableFallback: true,

		EnableClockCheck:     true,
		ClockSkewWarnSeconds: 120,

		OutputDir: filepath.Join(userDataDir, "cards"),

		DebugMode: false,

		Selectors: SelectorConfig{
			FamilyNameInput:     "input[name='familyName'], #familyName",
			FirstNameInput:      "input[name='firstName'], #firstName",
			PassportNoInput:     "input[name='passportNo'], #passportNo",
			NationalityInput:    "input[name='nationality'], #nationality",
			BirthDateInput:      "input[name='birthDate'], #birthDate",
			EmailInput:          "input[name='email'], #email",
			PhoneInput:          "input[name='phoneNo'], #phoneNo",
			ArrivalDateInput:    "input[name='arrDate'], #arrDate",
			ArrivalFlightInput:  "input[name='flightNo'], #flightNo",
			ContinueButton:      "button[type='submit'], .btn-continue",
			SubmitButton:        ".btn-submit, button.submit",
			ConfirmationNumber:  ".arr-card-no, [data-field='arrCardNo']",
			ConfirmationQRImage: ".qr-code img, img.qr",
		},
	}
}

// validate rejects configurations that would break the pipeline's hard
// environmental invariants before anything is launched.
func (c *Config) validate() error {
	if c.TargetOrigin == "" {
		return fmt.Errorf("target_origin must be set")
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		return fmt.Errorf("viewport must have non-zero area (%dx%d)", c.ViewportWidth, c.ViewportHeight)
	}
	if c.PollIntervalMs <= 0 || c.MaxPollAttempts <= 0 {
		return fmt.Errorf("poll_interval_ms and max_poll_attempts must be positive")
	}
	if c.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("step_timeout_seconds must be positive")
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func defaultUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./tdac-data"
	}
	return filepath.Join(home, ".tdac")
}

func (c *Config) stepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

func (c *Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) extractionDeadline() time.Duration {
	return time.Duration(c.MaxPollAttempts) * c.pollInterval()
}
