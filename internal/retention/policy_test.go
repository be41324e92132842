package retention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugspotter/bugspotter/internal/model"
)

func basePolicy() model.RetentionPolicy {
	return model.RetentionPolicy{
		BugReportRetentionDays:  90,
		ScreenshotRetentionDays: 90,
		ReplayRetentionDays:     90,
		AttachmentRetentionDays: 90,
		ArchivedRetentionDays:   90,
		DataClassification:      model.ClassGeneral,
		ComplianceRegion:        model.RegionNone,
		Tier:                    model.TierFree,
	}
}

func TestComplianceFloors(t *testing.T) {
	assert.Equal(t, 0, ComplianceFloor(model.RegionNone, model.ClassFinancial))
	assert.Equal(t, 365, ComplianceFloor(model.RegionEU, model.ClassFinancial))
	assert.Equal(t, 0, ComplianceFloor(model.RegionEU, model.ClassHealthcare))
	assert.Equal(t, 2555, ComplianceFloor(model.RegionUS, model.ClassFinancial))
	assert.Equal(t, 2555, ComplianceFloor(model.RegionUS, model.ClassHealthcare))
	assert.Equal(t, 1825, ComplianceFloor(model.RegionKZ, model.ClassFinancial))
	assert.Equal(t, 3650, ComplianceFloor(model.RegionKZ, model.ClassHealthcare))
	assert.Equal(t, 2190, ComplianceFloor(model.RegionUK, model.ClassFinancial))
	assert.Equal(t, 3650, ComplianceFloor(model.RegionCA, model.ClassHealthcare))
	assert.Equal(t, 0, ComplianceFloor(model.RegionCA, model.ClassPII))
}

func TestTierBounds(t *testing.T) {
	assert.Equal(t, 90, TierCeiling(model.TierFree))
	assert.Equal(t, 365, TierCeiling(model.TierProfessional))
	assert.Equal(t, -1, TierCeiling(model.TierEnterprise))

	assert.Equal(t, 7, TierFloor(model.TierFree))
	assert.Equal(t, 7, TierFloor(model.TierProfessional))
	assert.Equal(t, 1, TierFloor(model.TierEnterprise))
}

func TestValidateAcceptsFeasiblePolicy(t *testing.T) {
	require.NoError(t, Validate(basePolicy(), false))
}

func TestValidateRejectsAboveTierCeiling(t *testing.T) {
	p := basePolicy()
	p.BugReportRetentionDays = 180 // free caps at 90

	err := Validate(p, false)
	require.ErrorIs(t, err, ErrComplianceViolation)

	// Admin override lifts the ceiling.
	require.NoError(t, Validate(p, true))
}

func TestValidateRejectsBelowComplianceFloor(t *testing.T) {
	p := basePolicy()
	p.Tier = model.TierEnterprise
	p.ComplianceRegion = model.RegionEU
	p.DataClassification = model.ClassFinancial
	p.BugReportRetentionDays = 30 // eu/financial floor is 365

	err := Validate(p, false)
	require.ErrorIs(t, err, ErrComplianceViolation)

	// The floor binds admins too.
	require.ErrorIs(t, Validate(p, true), ErrComplianceViolation)
}

func TestValidateInfeasibleFloorCeilingPair(t *testing.T) {
	// us/financial floor (2555) can never fit under the professional
	// ceiling (365).
	p := basePolicy()
	p.Tier = model.TierProfessional
	p.ComplianceRegion = model.RegionUS
	p.DataClassification = model.ClassFinancial
	p.BugReportRetentionDays = 365

	require.ErrorIs(t, Validate(p, false), ErrComplianceViolation)
}

func TestValidateRejectsBelowTierFloor(t *testing.T) {
	p := basePolicy()
	p.ScreenshotRetentionDays = 3 // free tier minimum is 7

	require.ErrorIs(t, Validate(p, false), ErrComplianceViolation)
}

func TestValidateRejectsUnknownEnums(t *testing.T) {
	p := basePolicy()
	p.ComplianceRegion = "atlantis"
	require.ErrorIs(t, Validate(p, false), ErrComplianceViolation)

	p = basePolicy()
	p.Tier = "platinum"
	require.ErrorIs(t, Validate(p, false), ErrComplianceViolation)

	p = basePolicy()
	p.DataClassification = "topsecret"
	require.ErrorIs(t, Validate(p, false), ErrComplianceViolation)
}

func TestEffectiveDaysClamping(t *testing.T) {
	// Floor raises.
	assert.Equal(t, 365, EffectiveDays(30, model.RegionEU, model.ClassFinancial, model.TierEnterprise, false))
	// Ceiling lowers.
	assert.Equal(t, 90, EffectiveDays(400, model.RegionNone, model.ClassGeneral, model.TierFree, false))
	// Admin override skips the ceiling.
	assert.Equal(t, 400, EffectiveDays(400, model.RegionNone, model.ClassGeneral, model.TierFree, true))
	// Floor wins over an infeasible ceiling.
	assert.Equal(t, 2555, EffectiveDays(100, model.RegionUS, model.ClassFinancial, model.TierFree, false))
	// In range stays put.
	assert.Equal(t, 60, EffectiveDays(60, model.RegionNone, model.ClassGeneral, model.TierFree, false))
}

func TestRegionFlags(t *testing.T) {
	assert.True(t, model.RegionEU.RequiresTrueDeletion())
	assert.True(t, model.RegionKZ.RequiresTrueDeletion())
	assert.False(t, model.RegionUS.RequiresTrueDeletion())

	assert.True(t, model.RegionEU.RequiresDeletionCertificate())
	assert.True(t, model.RegionUS.RequiresDeletionCertificate())
	assert.True(t, model.RegionKZ.RequiresDeletionCertificate())
	assert.False(t, model.RegionUK.RequiresDeletionCertificate())
}

func TestDefaultPolicyFromSettings(t *testing.T) {
	s := model.DefaultInstanceSettings()
	s.RetentionDays = 120

	p := DefaultPolicyFromSettings(s)
	assert.Equal(t, 120, p.BugReportRetentionDays)
	assert.Equal(t, 120, p.ScreenshotRetentionDays)
	assert.Equal(t, model.RegionNone, p.ComplianceRegion)
	assert.Equal(t, model.TierEnterprise, p.Tier)
	require.NoError(t, Validate(p, false))

	// Unset default falls back to 90.
	s.RetentionDays = 0
	assert.Equal(t, 90, DefaultPolicyFromSettings(s).BugReportRetentionDays)
}
