package sponsor

import "fmt"

// Profile names the shape of a sponsored operation so its fee can be
// estimated up front. Costs are dominated by the number of proof-carrying
// instructions, not payload size, so flat per-profile estimates hold up well.
type Profile string

const (
	ProfileDeposit            Profile = "DEPOSIT"
	ProfileWithdraw           Profile = "WITHDRAW"
	ProfileDepositAndWithdraw Profile = "DEPOSIT_AND_WITHDRAW"
	ProfileClaimLink          Profile = "CLAIM_LINK"
)

// Base lamport costs per profile, measured on devnet. The claim-link profile
// is the most expensive: deposit, withdraw, and a possible token account
// creation on claim.
var baseFeeLamports = map[Profile]uint64{
	ProfileDeposit:            2_000_000,
	ProfileWithdraw:           2_500_000,
	ProfileDepositAndWithdraw: 4_500_000,
	ProfileClaimLink:          5_500_000,
}

// FeeLamports returns the buffered fee estimate for a profile. buffer is a
// multiplier >= 1.0 absorbing priority-fee variance.
func FeeLamports(profile Profile, buffer float64) (uint64, error) {
	base, ok := baseFeeLamports[profile]
	if !ok {
		return 0, fmt.Errorf("unknown fee profile %q", profile)
	}
	if buffer < 1.0 {
		buffer = 1.0
	}
	return uint64(float64(base) * buffer), nil
}
