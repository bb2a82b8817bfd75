// Package plans defines the subscription tier catalogue and the credit
// allotment attached to each tier.
package plans

// Tier identifies a subscription pricing tier.
type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Catalogue is the hardcoded tier catalogue. A subscription grant replaces
// the account's allotment with the tier's Credits value.
var Catalogue = map[Tier]int64{
	TierFree:     0,
	TierStarter:  50,
	TierPro:      150,
	TierBusiness: 500,
}

// Credits returns the monthly credit allotment for a tier.
// Unknown tiers report ok=false; callers must treat that as a mapping
// failure, never as a zero grant.
func Credits(t Tier) (int64, bool) {
	c, ok := Catalogue[t]
	return c, ok
}

// Valid returns true if the tier name is recognised.
func Valid(t Tier) bool {
	_, ok := Catalogue[t]
	return ok
}
