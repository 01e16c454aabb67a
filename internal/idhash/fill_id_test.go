package idhash

import (
	"testing"
)

func TestComputeFillID(t *testing.T) {
	tests := []struct {
		name        string
		challengeID string
		instrument  string
		side        string
		quantity    float64
		price       float64
		fillTime    int64
		wantLen     int // hash length should be 64
	}{
		{
			name:        "basic fill",
			challengeID: "ch-100k-alpha",
			instrument:  "EURUSD",
			side:        "BUY",
			quantity:    1.5,
			price:       1.0842,
			fillTime:    1704067234567,
			wantLen:     64,
		},
		{
			name:        "sell fill",
			challengeID: "ch-50k-beta",
			instrument:  "XAUUSD",
			side:        "SELL",
			quantity:    0.25,
			price:       2031.4,
			fillTime:    1704067300000,
			wantLen:     64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeFillID(tt.challengeID, tt.instrument, tt.side, tt.quantity, tt.price, tt.fillTime)

			if len(got) != tt.wantLen {
				t.Errorf("ComputeFillID() length = %d, want %d", len(got), tt.wantLen)
			}

			// Verify determinism: same inputs should produce same output
			got2 := ComputeFillID(tt.challengeID, tt.instrument, tt.side, tt.quantity, tt.price, tt.fillTime)
			if got != got2 {
				t.Errorf("ComputeFillID() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestComputeFillID_DifferentInputs(t *testing.T) {
	base := ComputeFillID("challenge", "EURUSD", "BUY", 1.0, 1.1, 1000)

	diffChallenge := ComputeFillID("other_challenge", "EURUSD", "BUY", 1.0, 1.1, 1000)
	if base == diffChallenge {
		t.Error("Different challenge should produce different hash")
	}

	diffInstrument := ComputeFillID("challenge", "GBPUSD", "BUY", 1.0, 1.1, 1000)
	if base == diffInstrument {
		t.Error("Different instrument should produce different hash")
	}

	diffSide := ComputeFillID("challenge", "EURUSD", "SELL", 1.0, 1.1, 1000)
	if base == diffSide {
		t.Error("Different side should produce different hash")
	}

	diffQty := ComputeFillID("challenge", "EURUSD", "BUY", 2.0, 1.1, 1000)
	if base == diffQty {
		t.Error("Different quantity should produce different hash")
	}

	diffTime := ComputeFillID("challenge", "EURUSD", "BUY", 1.0, 1.1, 2000)
	if base == diffTime {
		t.Error("Different fill time should produce different hash")
	}
}
