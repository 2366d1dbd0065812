package model

import (
	"encoding/json"
	"testing"
)

func TestRiskTierJSONRoundTrip(t *testing.T) {
	for _, tier := range []RiskTier{RiskSafe, RiskMedium, RiskHigh, RiskCritical} {
		data, err := json.Marshal(struct {
			Risk RiskTier `json:"risk"`
		}{tier})
		if err != nil {
			t.Fatalf("marshal %v: %v", tier, err)
		}
		var back struct {
			Risk RiskTier `json:"risk"`
		}
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back.Risk != tier {
			t.Fatalf("round trip of %v gave %v", tier, back.Risk)
		}
	}
	var r RiskTier
	if err := r.UnmarshalText([]byte("high")); err != nil || r != RiskHigh {
		t.Fatalf("lower-case tier: %v %v", r, err)
	}
	if err := r.UnmarshalText([]byte("SEVERE")); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}
