// Package conformance provides conformance tests for the marketplace implementation.
package conformance

import (
	"testing"
)

// TestConformance runs the full conformance test suite.
func TestConformance(t *testing.T) {
	cfg := Config{
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
		FiatUnit:    "HKD",
		RewardRatio: "0.1",
	}

	harness, err := NewHarness(cfg)
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	t.Run("Conformance", func(t *testing.T) {
		harness.RunConformanceTests(t)
	})

	// Acceptance runs second so eventing sees the sales above.
	t.Run("Acceptance", func(t *testing.T) {
		harness.RunAcceptanceTests(t)
	})
}
