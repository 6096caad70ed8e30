package detector

import "github.com/campaignpulse/crisis-pipeline/internal/model"

// actionRules maps threat_type x urgency_level onto the playbook steps
// surfaced on a raised alert. Unlisted combinations fall back to the
// threat's default row.
var actionRules = map[model.ThreatType]map[model.UrgencyLevel][]string{
	model.ThreatNegativeSurge: {
		model.UrgencyCritical: {
			"Convene rapid-response team immediately",
			"Prepare holding statement for press inquiries",
			"Pause scheduled promotional posts on affected topics",
		},
		model.UrgencyHigh: {
			"Notify communications lead",
			"Draft response messaging for affected topics",
		},
		model.UrgencyMedium: {
			"Monitor topic at increased frequency",
			"Flag representative mentions for review",
		},
		model.UrgencyLow: {
			"Add topic to daily review digest",
		},
	},
	model.ThreatViralSpread: {
		model.UrgencyCritical: {
			"Identify origin post and amplification accounts",
			"Brief spokesperson before next media window",
			"Coordinate platform escalation contacts",
		},
		model.UrgencyHigh: {
			"Track share velocity hourly",
			"Prepare correction content if narrative is inaccurate",
		},
		model.UrgencyMedium: {
			"Monitor for crossover to additional platforms",
		},
		model.UrgencyLow: {
			"Log trajectory for weekly review",
		},
	},
	model.ThreatCoordinatedPush: {
		model.UrgencyCritical: {
			"Document account patterns for platform abuse reports",
			"Alert legal counsel to preserve evidence",
			"Activate counter-messaging plan",
		},
		model.UrgencyHigh: {
			"Collect posting-time and account-age evidence",
			"Notify platform trust-and-safety contacts",
		},
		model.UrgencyMedium: {
			"Watch for repeated phrasing across accounts",
		},
		model.UrgencyLow: {
			"Record cluster for pattern analysis",
		},
	},
	model.ThreatReputationAttack: {
		model.UrgencyCritical: {
			"Engage crisis communications counsel",
			"Audit recent statements for exploitable material",
		},
		model.UrgencyHigh: {
			"Compile factual rebuttal material",
		},
		model.UrgencyMedium: {
			"Assess source credibility and spread risk",
		},
		model.UrgencyLow: {
			"Note in reputation tracking log",
		},
	},
}

// recommendedActions resolves the playbook for a threat and urgency
func recommendedActions(threat model.ThreatType, urgency model.UrgencyLevel) []string {
	rows, ok := actionRules[threat]
	if !ok {
		rows = actionRules[model.ThreatNegativeSurge]
	}
	if actions, ok := rows[urgency]; ok {
		return append([]string(nil), actions...)
	}
	return append([]string(nil), rows[model.UrgencyLow]...)
}
