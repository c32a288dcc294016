package breaker

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// StaticIdentityOracle authorizes owners against a fixed allowlist of
// identity references. It stands in for an external identity registry in
// deployments that do not run one.
type StaticIdentityOracle struct {
	allowed map[common.Address]common.Hash
}

// NewStaticIdentityOracle builds an oracle from owner -> identity ref pairs.
func NewStaticIdentityOracle(allowed map[common.Address]common.Hash) *StaticIdentityOracle {
	cp := make(map[common.Address]common.Hash, len(allowed))
	for owner, ref := range allowed {
		cp[owner] = ref
	}
	return &StaticIdentityOracle{allowed: cp}
}

// IsAuthorized reports whether the identity ref matches the allowlisted one
// for the owner.
func (o *StaticIdentityOracle) IsAuthorized(ctx context.Context, owner common.Address, identityRef common.Hash) (bool, error) {
	ref, ok := o.allowed[owner]
	if !ok {
		return false, nil
	}
	return ref == identityRef, nil
}

var _ domain.IdentityOracle = (*StaticIdentityOracle)(nil)
