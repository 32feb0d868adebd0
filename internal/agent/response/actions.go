package response

import (
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

// actionInfo is the static profile of a known remediation action.
type actionInfo struct {
	category string // network | account | endpoint | other
	priority investigation.Tier
	risk     investigation.Tier
	system   string // required remediation system, empty means none
	rollback string
}

var actionCatalog = map[string]actionInfo{
	"block_ip": {
		category: "network",
		priority: investigation.TierHigh,
		risk:     investigation.TierMedium,
		system:   "firewall",
		rollback: "Remove the block rule for the address from the firewall policy.",
	},
	"block_domain": {
		category: "network",
		priority: investigation.TierHigh,
		risk:     investigation.TierMedium,
		system:   "dns_filter",
		rollback: "Remove the domain from the DNS block list.",
	},
	"isolate_endpoint": {
		category: "endpoint",
		priority: investigation.TierCritical,
		risk:     investigation.TierHigh,
		system:   "edr",
		rollback: "Release the host from network isolation via the EDR console.",
	},
	"quarantine_file": {
		category: "endpoint",
		priority: investigation.TierHigh,
		risk:     investigation.TierMedium,
		system:   "edr",
		rollback: "Restore the file from EDR quarantine.",
	},
	"reset_password": {
		category: "account",
		priority: investigation.TierHigh,
		risk:     investigation.TierMedium,
		system:   "identity_provider",
		rollback: "Issue the user a fresh credential through the standard recovery flow.",
	},
	"disable_account": {
		category: "account",
		priority: investigation.TierCritical,
		risk:     investigation.TierHigh,
		system:   "identity_provider",
		rollback: "Re-enable the account after review.",
	},
	"close_alert": {
		category: "other",
		priority: investigation.TierLow,
		risk:     investigation.TierLow,
		system:   "",
		rollback: "Reopen the alert.",
	},
	"manual_review": {
		category: "other",
		priority: investigation.TierMedium,
		risk:     investigation.TierLow,
		system:   "",
		rollback: "No action taken, nothing to roll back.",
	},
}

const genericRollback = "Document the action taken and reverse it through the owning system's change process."

func infoFor(action string) actionInfo {
	if info, ok := actionCatalog[action]; ok {
		return info
	}
	return actionInfo{
		category: "other",
		priority: investigation.TierMedium,
		risk:     investigation.TierMedium,
		rollback: genericRollback,
	}
}

// candidate is one proposed action before scoring and gating.
type candidate struct {
	action      string
	description string
	target      string
}

// fallbackCandidates is the deterministic rule table used when the
// reasoning provider yields nothing usable. The result is never empty.
func fallbackCandidates(al *alert.Alert, verdict *investigation.Verdict) []candidate {
	var out []candidate
	if ip, ok := al.Entity(string(evidence.EntityIP)); ok {
		out = append(out, candidate{
			action:      "block_ip",
			description: "Block the source address " + ip + " at the perimeter.",
			target:      ip,
		})
	}
	if user, ok := al.Entity(string(evidence.EntityUser)); ok {
		out = append(out, candidate{
			action:      "reset_password",
			description: "Reset credentials for the principal " + user + ".",
			target:      user,
		})
	}
	if host, ok := al.Entity(string(evidence.EntityHost)); ok && verdict.RiskScore >= 70 {
		out = append(out, candidate{
			action:      "isolate_endpoint",
			description: "Isolate the host " + host + " pending forensics.",
			target:      host,
		})
	}
	if len(out) == 0 {
		out = append(out, candidate{
			action:      "manual_review",
			description: "Route the investigation to an analyst for manual review.",
		})
	}
	return out
}
