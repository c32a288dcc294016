package custody

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

func maxUint128() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 128)
	return v.Sub(v, big.NewInt(1))
}

func TestPackUnpackRoundTrip(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()

	tests := []struct {
		name string
		pos  domain.Position
	}{
		{
			name: "zero position",
			pos:  domain.ZeroPosition(),
		},
		{
			name: "typical active",
			pos: domain.Position{
				TickLower:   -887220,
				TickUpper:   887220,
				Liquidity:   big.NewInt(1_000_000),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "narrow range",
			pos: domain.Position{
				TickLower:   -60,
				TickUpper:   60,
				Liquidity:   big.NewInt(1),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "tick field bounds",
			pos: domain.Position{
				TickLower:   -(1 << 23),
				TickUpper:   1<<23 - 1,
				Liquidity:   big.NewInt(42),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "max liquidity",
			pos: domain.Position{
				TickLower:   0,
				TickUpper:   60,
				Liquidity:   maxUint128(),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "max timestamp",
			pos: domain.Position{
				TickLower:   -60,
				TickUpper:   0,
				Liquidity:   big.NewInt(7),
				LastUpdated: time.Unix(1<<40-1, 0).UTC(),
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "inactive with history",
			pos: domain.Position{
				TickLower:   -120,
				TickUpper:   120,
				Liquidity:   big.NewInt(0),
				LastUpdated: ts,
				Status:      domain.PositionStatusInactive,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			word, err := PackPosition(tt.pos)
			if err != nil {
				t.Fatalf("PackPosition: %v", err)
			}
			got := UnpackPosition(word)

			if got.TickLower != tt.pos.TickLower {
				t.Errorf("TickLower = %d, want %d", got.TickLower, tt.pos.TickLower)
			}
			if got.TickUpper != tt.pos.TickUpper {
				t.Errorf("TickUpper = %d, want %d", got.TickUpper, tt.pos.TickUpper)
			}
			wantLiq := tt.pos.Liquidity
			if wantLiq == nil {
				wantLiq = new(big.Int)
			}
			if got.Liquidity.Cmp(wantLiq) != 0 {
				t.Errorf("Liquidity = %s, want %s", got.Liquidity, wantLiq)
			}
			if got.Status != tt.pos.Status {
				t.Errorf("Status = %d, want %d", got.Status, tt.pos.Status)
			}
			if !tt.pos.LastUpdated.IsZero() && !got.LastUpdated.Equal(tt.pos.LastUpdated) {
				t.Errorf("LastUpdated = %v, want %v", got.LastUpdated, tt.pos.LastUpdated)
			}
		})
	}
}

func TestPackPositionCastErrors(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()

	tests := []struct {
		name string
		pos  domain.Position
	}{
		{
			name: "liquidity over 128 bits",
			pos: domain.Position{
				TickLower:   -60,
				TickUpper:   60,
				Liquidity:   new(big.Int).Lsh(big.NewInt(1), 128),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "negative liquidity",
			pos: domain.Position{
				TickLower:   -60,
				TickUpper:   60,
				Liquidity:   big.NewInt(-1),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "tick below int24",
			pos: domain.Position{
				TickLower:   -(1 << 23) - 1,
				TickUpper:   60,
				Liquidity:   big.NewInt(1),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "tick above int24",
			pos: domain.Position{
				TickLower:   -60,
				TickUpper:   1 << 23,
				Liquidity:   big.NewInt(1),
				LastUpdated: ts,
				Status:      domain.PositionStatusActive,
			},
		},
		{
			name: "timestamp over 40 bits",
			pos: domain.Position{
				TickLower:   -60,
				TickUpper:   60,
				Liquidity:   big.NewInt(1),
				LastUpdated: time.Unix(1<<40, 0).UTC(),
				Status:      domain.PositionStatusActive,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PackPosition(tt.pos)
			if err == nil {
				t.Fatal("expected cast error, got nil")
			}
			var castErr *domain.CastError
			if !errors.As(err, &castErr) {
				t.Fatalf("expected *domain.CastError, got %T: %v", err, err)
			}
		})
	}
}

func TestUnpackNeverTruncatesSign(t *testing.T) {
	pos := domain.Position{
		TickLower:   -1,
		TickUpper:   1,
		Liquidity:   big.NewInt(5),
		LastUpdated: time.Unix(1, 0).UTC(),
		Status:      domain.PositionStatusActive,
	}
	word, err := PackPosition(pos)
	if err != nil {
		t.Fatalf("PackPosition: %v", err)
	}
	got := UnpackPosition(word)
	if got.TickLower != -1 || got.TickUpper != 1 {
		t.Errorf("ticks = (%d, %d), want (-1, 1)", got.TickLower, got.TickUpper)
	}
}
