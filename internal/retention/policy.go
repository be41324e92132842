// Package retention enforces data lifecycle policy: compliance floors by
// region and data class, tier ceilings, legal holds, archival, and the
// scheduled purge of expired bug reports and their storage artifacts.
package retention

import (
	"errors"
	"fmt"

	"github.com/bugspotter/bugspotter/internal/model"
)

var (
	// ErrComplianceViolation marks a policy whose durations cannot satisfy
	// both the compliance floor and the tier ceiling.
	ErrComplianceViolation = errors.New("retention: policy violates compliance requirements")
	// ErrConfirmationRequired gates a destructive apply without confirm.
	ErrConfirmationRequired = errors.New("retention: confirmation required for destructive apply")
)

// complianceFloors holds minimum retention days per (region, class).
// Absent entries mean no regulatory minimum.
var complianceFloors = map[model.ComplianceRegion]map[model.DataClass]int{
	model.RegionEU: {
		model.ClassFinancial: 365,
	},
	model.RegionUS: {
		model.ClassFinancial:  2555,
		model.ClassHealthcare: 2555,
	},
	model.RegionKZ: {
		model.ClassFinancial:  1825,
		model.ClassHealthcare: 3650,
	},
	model.RegionUK: {
		model.ClassFinancial: 2190,
	},
	model.RegionCA: {
		model.ClassFinancial:  2190,
		model.ClassHealthcare: 3650,
	},
}

// tierCeilings holds maximum retention days per tier; -1 is unbounded.
var tierCeilings = map[model.Tier]int{
	model.TierFree:         90,
	model.TierProfessional: 365,
	model.TierEnterprise:   -1,
}

// tierFloors holds the minimum configurable duration per tier.
var tierFloors = map[model.Tier]int{
	model.TierFree:         7,
	model.TierProfessional: 7,
	model.TierEnterprise:   1,
}

// ComplianceFloor returns the minimum retention days for (region, class).
func ComplianceFloor(region model.ComplianceRegion, class model.DataClass) int {
	return complianceFloors[region][class]
}

// TierCeiling returns the maximum retention days for a tier; -1 is unbounded.
func TierCeiling(tier model.Tier) int {
	if c, ok := tierCeilings[tier]; ok {
		return c
	}
	return tierCeilings[model.TierFree]
}

// TierFloor returns the minimum configurable retention days for a tier.
func TierFloor(tier model.Tier) int {
	if f, ok := tierFloors[tier]; ok {
		return f
	}
	return tierFloors[model.TierFree]
}

// Validate checks a policy against its compliance floor and tier ceiling.
// adminOverride lifts the tier ceiling, never the floor. A feasible policy
// returns nil; an infeasible one returns ErrComplianceViolation with detail.
func Validate(p model.RetentionPolicy, adminOverride bool) error {
	if !p.ComplianceRegion.Valid() {
		return fmt.Errorf("%w: unknown region %q", ErrComplianceViolation, p.ComplianceRegion)
	}
	if !p.DataClassification.Valid() {
		return fmt.Errorf("%w: unknown data class %q", ErrComplianceViolation, p.DataClassification)
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrComplianceViolation, p.Tier)
	}

	floor := ComplianceFloor(p.ComplianceRegion, p.DataClassification)
	ceiling := TierCeiling(p.Tier)
	tierFloor := TierFloor(p.Tier)

	// A floor above the ceiling makes every duration infeasible for this tier.
	if !adminOverride && ceiling >= 0 && floor > ceiling {
		return fmt.Errorf("%w: floor %dd for %s/%s exceeds %s tier ceiling %dd",
			ErrComplianceViolation, floor, p.ComplianceRegion, p.DataClassification, p.Tier, ceiling)
	}

	for name, days := range map[string]int{
		"bug_report_retention_days": p.BugReportRetentionDays,
		"screenshot_retention_days": p.ScreenshotRetentionDays,
		"replay_retention_days":     p.ReplayRetentionDays,
		"attachment_retention_days": p.AttachmentRetentionDays,
		"archived_retention_days":   p.ArchivedRetentionDays,
	} {
		if days < tierFloor {
			return fmt.Errorf("%w: %s=%dd below %s tier minimum %dd",
				ErrComplianceViolation, name, days, p.Tier, tierFloor)
		}
		if days < floor {
			return fmt.Errorf("%w: %s=%dd below %s/%s compliance floor %dd",
				ErrComplianceViolation, name, days, p.ComplianceRegion, p.DataClassification, floor)
		}
		if !adminOverride && ceiling >= 0 && days > ceiling {
			return fmt.Errorf("%w: %s=%dd above %s tier ceiling %dd",
				ErrComplianceViolation, name, days, p.Tier, ceiling)
		}
	}
	return nil
}

// EffectiveDays clamps a configured duration to [floor, ceiling]. When the
// clamp is infeasible (ceiling below floor) the floor wins; Validate rejects
// such policies before they are stored, so this is a safety net for legacy
// rows.
func EffectiveDays(days int, region model.ComplianceRegion, class model.DataClass, tier model.Tier, adminOverride bool) int {
	floor := ComplianceFloor(region, class)
	if days < floor {
		days = floor
	}
	if !adminOverride {
		if ceiling := TierCeiling(tier); ceiling >= 0 && days > ceiling && ceiling >= floor {
			days = ceiling
		}
	}
	return days
}

// DefaultPolicyFromSettings builds the fallback policy for projects without
// an override row. Instance defaults carry no compliance obligations and no
// tier cap.
func DefaultPolicyFromSettings(s model.InstanceSettings) model.RetentionPolicy {
	days := s.RetentionDays
	if days <= 0 {
		days = 90
	}
	return model.RetentionPolicy{
		BugReportRetentionDays:  days,
		ScreenshotRetentionDays: days,
		ReplayRetentionDays:     days,
		AttachmentRetentionDays: days,
		ArchivedRetentionDays:   365,
		ArchiveBeforeDelete:     false,
		DataClassification:      model.ClassGeneral,
		ComplianceRegion:        model.RegionNone,
		Tier:                    model.TierEnterprise,
	}
}
