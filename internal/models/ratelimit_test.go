package models

import "testing"

func TestReputationForViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		violations int
		previous   int
		wantScore  int
		wantRisk   RiskLevel
	}{
		{name: "no violations decays", violations: 0, previous: 100, wantScore: 90, wantRisk: RiskLow},
		{name: "one violation decays", violations: 1, previous: 90, wantScore: 80, wantRisk: RiskLow},
		{name: "decay floors at zero", violations: 1, previous: 5, wantScore: 0, wantRisk: RiskLow},
		{name: "two violations is medium", violations: 2, previous: 80, wantScore: 50, wantRisk: RiskMedium},
		{name: "four violations stays medium", violations: 4, previous: 50, wantScore: 50, wantRisk: RiskMedium},
		{name: "five violations is high", violations: 5, previous: 50, wantScore: 25, wantRisk: RiskHigh},
		{name: "ten violations is critical", violations: 10, previous: 25, wantScore: 0, wantRisk: RiskCritical},
		{name: "critical is terminal", violations: 40, previous: 0, wantScore: 0, wantRisk: RiskCritical},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			score, risk := ReputationForViolations(tc.violations, tc.previous)
			if score != tc.wantScore || risk != tc.wantRisk {
				t.Fatalf("ReputationForViolations(%d, %d) = %d/%s, want %d/%s",
					tc.violations, tc.previous, score, risk, tc.wantScore, tc.wantRisk)
			}
		})
	}
}

func TestDefaultEndpointConfigs(t *testing.T) {
	t.Parallel()

	cfgs := DefaultEndpointConfigs()
	for name, cfg := range cfgs {
		if cfg.Endpoint != name {
			t.Errorf("%s: Endpoint field = %q", name, cfg.Endpoint)
		}
		if cfg.MaxRequests <= 0 || cfg.WindowSeconds <= 0 {
			t.Errorf("%s: non-positive policy %+v", name, cfg)
		}
	}
	if cfgs["uploads"].MaxRequests != 20 || cfgs["uploads"].WindowSeconds != 300 {
		t.Errorf("uploads policy = %+v", cfgs["uploads"])
	}

	// Callers mutate their copy freely.
	cfgs["uploads"] = EndpointConfig{Endpoint: "uploads", MaxRequests: 1, WindowSeconds: 1}
	if DefaultEndpointConfigs()["uploads"].MaxRequests != 20 {
		t.Error("DefaultEndpointConfigs should return a fresh map per call")
	}
}
