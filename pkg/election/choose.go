package election

import (
	"cmp"
	"maps"
	"slices"

	"github.com/dd0wney/cluso-ha/pkg/group"
)

// Rule identifies the election rule that produced a winner.
type Rule int

const (
	RuleNone Rule = iota
	RuleHost
	RuleBackup
	RuleArbiterToken
	RuleOnlyHost
	RuleEmpty
	RuleHighestToken
)

func (r Rule) String() string {
	switch r {
	case RuleHost:
		return "host"
	case RuleBackup:
		return "backup"
	case RuleArbiterToken:
		return "arbiter_token"
	case RuleOnlyHost:
		return "only_host"
	case RuleEmpty:
		return "empty"
	case RuleHighestToken:
		return "highest_token"
	default:
		return "none"
	}
}

type candidateRule struct {
	rule  Rule
	match func(NodeHealth) bool
}

var rules = []candidateRule{
	{RuleHost, func(h NodeHealth) bool { return h.State == StateHost }},
	{RuleBackup, func(h NodeHealth) bool { return h.State == StateBackup }},
	{RuleArbiterToken, func(h NodeHealth) bool { return h.ArbiterToken > 0 && h.LocalToken > h.ArbiterToken }},
	{RuleOnlyHost, func(h NodeHealth) bool { return h.LastOnlyHost }},
	{RuleEmpty, NodeHealth.IsZero},
}

// Choose picks the election winner from the collected health records. The
// first rule with any candidate decides; among its candidates the highest
// local token wins, then the earliest joined member. The highest-token rule
// only applies once expired is true.
func Choose(health map[group.Member]NodeHealth, expired bool) (group.Member, Rule, bool) {
	members := slices.SortedFunc(maps.Keys(health), group.CompareJoinOrder)

	for _, r := range rules {
		if m, ok := best(members, health, r.match); ok {
			return m, r.rule, true
		}
	}
	if expired {
		if m, ok := best(members, health, func(NodeHealth) bool { return true }); ok {
			return m, RuleHighestToken, true
		}
	}
	return group.Member{}, RuleNone, false
}

func best(members []group.Member, health map[group.Member]NodeHealth, match func(NodeHealth) bool) (group.Member, bool) {
	var winner group.Member
	found := false
	for _, m := range members {
		h := health[m]
		if !match(h) {
			continue
		}
		if !found || cmp.Compare(h.LocalToken, health[winner].LocalToken) > 0 {
			winner, found = m, true
		}
	}
	return winner, found
}

// nextToken returns the generation a new host takes: one past every token
// reported in the election.
func nextToken(health map[group.Member]NodeHealth) int64 {
	var top int64
	for _, h := range health {
		top = max(top, h.LocalToken, h.ArbiterToken)
	}
	return top + 1
}
