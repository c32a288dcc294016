package custody

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// A position packs into a single 32-byte word:
//
//	[0-23]    tickLower  (24 bits, signed)
//	[24-47]   tickUpper  (24 bits, signed)
//	[48-175]  liquidity  (128 bits)
//	[176-215] lastUpdated unix seconds (40 bits)
//	[216]     status     (1 bit)
const (
	tickBits      = 24
	liquidityBits = 128
	timestampBits = 40

	tickUpperShift = 24
	liquidityShift = 48
	timestampShift = 176
	statusShift    = 216
)

var (
	tickMask      = uint64(1)<<tickBits - 1
	timestampMask = uint64(1)<<timestampBits - 1
	liquidityMask = new(uint256.Int).Sub(
		new(uint256.Int).Lsh(uint256.NewInt(1), liquidityBits), uint256.NewInt(1))
)

// PackPosition encodes a position into its storage word. Values outside the
// packed field widths fail with a cast error; nothing is silently truncated.
func PackPosition(p domain.Position) ([32]byte, error) {
	var zero [32]byte

	lowerBits, err := tickToBits(p.TickLower)
	if err != nil {
		return zero, err
	}
	upperBits, err := tickToBits(p.TickUpper)
	if err != nil {
		return zero, err
	}

	liq := p.Liquidity
	if liq == nil {
		liq = new(big.Int)
	}
	if liq.Sign() < 0 || liq.BitLen() > liquidityBits {
		return zero, domain.NewCastError(liq, liquidityBits)
	}

	var ts int64
	if !p.LastUpdated.IsZero() {
		ts = p.LastUpdated.Unix()
	}
	if ts < 0 || uint64(ts) > timestampMask {
		return zero, domain.NewCastError(big.NewInt(ts), timestampBits)
	}

	word := new(uint256.Int).SetUint64(lowerBits)
	tmp := new(uint256.Int)
	word.Or(word, tmp.Lsh(uint256.NewInt(upperBits), tickUpperShift))
	liqWord, _ := uint256.FromBig(liq)
	word.Or(word, tmp.Lsh(liqWord, liquidityShift))
	word.Or(word, tmp.Lsh(uint256.NewInt(uint64(ts)), timestampShift))
	if p.Status == domain.PositionStatusActive {
		word.Or(word, tmp.Lsh(uint256.NewInt(1), statusShift))
	}
	return word.Bytes32(), nil
}

// UnpackPosition decodes a storage word. Every word decodes; pack validates.
func UnpackPosition(word [32]byte) domain.Position {
	v := new(uint256.Int).SetBytes32(word[:])

	low := v.Uint64()
	lower := signExtendTick(low & tickMask)
	upper := signExtendTick((low >> tickUpperShift) & tickMask)

	liq := new(uint256.Int).Rsh(v, liquidityShift)
	liq.And(liq, liquidityMask)

	ts := new(uint256.Int).Rsh(v, timestampShift).Uint64() & timestampMask

	status := domain.PositionStatusInactive
	if new(uint256.Int).Rsh(v, statusShift).Uint64()&1 == 1 {
		status = domain.PositionStatusActive
	}

	var updated time.Time
	if ts != 0 {
		updated = time.Unix(int64(ts), 0).UTC()
	}
	return domain.Position{
		TickLower:   lower,
		TickUpper:   upper,
		Liquidity:   liq.ToBig(),
		LastUpdated: updated,
		Status:      status,
	}
}

func tickToBits(tick int32) (uint64, error) {
	if tick < -(1<<(tickBits-1)) || tick > 1<<(tickBits-1)-1 {
		return 0, domain.NewCastError(big.NewInt(int64(tick)), tickBits)
	}
	return uint64(uint32(tick)) & tickMask, nil
}

func signExtendTick(bits uint64) int32 {
	if bits >= 1<<(tickBits-1) {
		return int32(bits) - 1<<tickBits
	}
	return int32(bits)
}
