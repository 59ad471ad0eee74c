package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"tdac"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	travelerPath := flag.String("traveler", "traveler.yaml", "Path to traveler context file")
	outDir := flag.String("out", "", "Directory for the confirmation document (overrides config)")
	noFallback := flag.Bool("no-fallback", false, "Disable the DOM automation fallback")
	debug := flag.Bool("debug", false, "Enable detailed debug logging")
	flag.Parse()

	config, err := tdac.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *debug {
		config.DebugMode = true
	}
	if *outDir != "" {
		config.OutputDir = *outDir
	}

	traveler, err := loadTraveler(*travelerPath)
	if err != nil {
		log.Fatalf("Failed to load traveler context: %v", err)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║             Digital Arrival Card Submitter                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Target: %s\n", config.TargetOrigin)
	fmt.Printf("Traveler: %s %s (%s)\n",
		traveler.Passport.FirstName, traveler.Passport.FamilyName, traveler.Passport.DocumentNumber)

	if config.DebugMode {
		fmt.Println("🔍 DEBUG MODE - Detailed logging enabled")
	}
	if *noFallback {
		fmt.Println("⛔ Fallback disabled - token+API path only")
	}
	fmt.Println()

	orchestrator, err := tdac.NewOrchestrator(config)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	fmt.Println("🚀 Submitting arrival card...")
	result, err := orchestrator.Submit(context.Background(), traveler, tdac.SubmitOptions{
		DisableFallback: *noFallback,
	})
	if err != nil {
		log.Fatalf("Submission could not start: %v", err)
	}

	fmt.Println()
	if result.Status == tdac.ResultSuccess {
		fmt.Println("✓ Arrival card confirmed!")
		fmt.Printf("   Card number: %s\n", result.ArrivalCardNo)
		if result.QRPayload != "" {
			fmt.Printf("   QR payload:  %s\n", preview(result.QRPayload))
		}
		if result.PDFReference != "" {
			fmt.Printf("   Document:    %s\n", result.PDFReference)
		}
		fmt.Printf("   Took:        %v\n", result.Duration)
		return
	}

	fmt.Printf("✗ Submission failed at %s stage: %v\n", result.FailedStage, result.Err)
	os.Exit(1)
}

func loadTraveler(path string) (*tdac.TravelerContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var traveler tdac.TravelerContext
	if err := yaml.Unmarshal(data, &traveler); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return &traveler, nil
}

func preview(s string) string {
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
