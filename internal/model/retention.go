package model

import (
	"time"

	"github.com/google/uuid"
)

// ComplianceRegion is a regulatory jurisdiction that imposes minimum
// retention durations on certain data classes.
type ComplianceRegion string

const (
	RegionNone ComplianceRegion = "none"
	RegionEU   ComplianceRegion = "eu"
	RegionUS   ComplianceRegion = "us"
	RegionKZ   ComplianceRegion = "kz"
	RegionUK   ComplianceRegion = "uk"
	RegionCA   ComplianceRegion = "ca"
)

// Valid reports whether r is a known compliance region.
func (r ComplianceRegion) Valid() bool {
	switch r {
	case RegionNone, RegionEU, RegionUS, RegionKZ, RegionUK, RegionCA:
		return true
	}
	return false
}

// RequiresTrueDeletion reports whether the region mandates physical removal
// of storage artifacts (verified delete) rather than logical-only deletion.
func (r ComplianceRegion) RequiresTrueDeletion() bool {
	return r == RegionEU || r == RegionKZ
}

// RequiresDeletionCertificate reports whether each retention batch in this
// region must emit a signed deletion record to the audit log.
func (r ComplianceRegion) RequiresDeletionCertificate() bool {
	return r == RegionEU || r == RegionUS || r == RegionKZ
}

// DataClass is the sensitivity label attached to a report or policy.
type DataClass string

const (
	ClassGeneral    DataClass = "general"
	ClassFinancial  DataClass = "financial"
	ClassHealthcare DataClass = "healthcare"
	ClassPII        DataClass = "pii"
	ClassSensitive  DataClass = "sensitive"
	ClassGovernment DataClass = "government"
)

// Valid reports whether c is a known data classification.
func (c DataClass) Valid() bool {
	switch c {
	case ClassGeneral, ClassFinancial, ClassHealthcare, ClassPII, ClassSensitive, ClassGovernment:
		return true
	}
	return false
}

// Tier is the commercial plan that bounds configurable retention durations.
type Tier string

const (
	TierFree         Tier = "free"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// RetentionPolicy is a per-project override of the instance retention
// defaults. Durations are days; each must sit between the compliance floor
// for (region, classification) and the tier ceiling.
type RetentionPolicy struct {
	ProjectID               uuid.UUID        `json:"project_id"`
	BugReportRetentionDays  int              `json:"bug_report_retention_days"`
	ScreenshotRetentionDays int              `json:"screenshot_retention_days"`
	ReplayRetentionDays     int              `json:"replay_retention_days"`
	AttachmentRetentionDays int              `json:"attachment_retention_days"`
	ArchivedRetentionDays   int              `json:"archived_retention_days"`
	ArchiveBeforeDelete     bool             `json:"archive_before_delete"`
	DataClassification      DataClass        `json:"data_classification"`
	ComplianceRegion        ComplianceRegion `json:"compliance_region"`
	Tier                    Tier             `json:"tier"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}
