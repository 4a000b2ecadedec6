package screening

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  ServiceConfig
		wantErr bool
	}{
		{
			name:   "standard d1",
			config: ServiceConfig{Tier: TierStandard, Degree: DegreeD1, Vigilance: VigilanceV0},
		},
		{
			name:   "enhanced d3",
			config: ServiceConfig{Tier: TierEnhanced, Degree: DegreeD3, Vigilance: VigilanceV3},
		},
		{
			name:    "d3 requires enhanced",
			config:  ServiceConfig{Tier: TierStandard, Degree: DegreeD3, Vigilance: VigilanceV0},
			wantErr: true,
		},
		{
			name:    "unknown tier",
			config:  ServiceConfig{Tier: "GOLD", Degree: DegreeD1, Vigilance: VigilanceV0},
			wantErr: true,
		},
		{
			name:    "unknown degree",
			config:  ServiceConfig{Tier: TierStandard, Degree: "D4", Vigilance: VigilanceV0},
			wantErr: true,
		},
		{
			name:    "unknown vigilance",
			config:  ServiceConfig{Tier: TierStandard, Degree: DegreeD1, Vigilance: "V9"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPhasePartition(t *testing.T) {
	assert.Equal(t, PhaseFoundation, PhaseOf(InfoIdentity))
	assert.Equal(t, PhaseFoundation, PhaseOf(InfoEmployment))
	assert.Equal(t, PhaseFoundation, PhaseOf(InfoEducation))
	assert.Equal(t, PhaseRecords, PhaseOf(InfoCriminal))
	assert.Equal(t, PhaseRecords, PhaseOf(InfoSanctions))
	assert.Equal(t, PhaseIntelligence, PhaseOf(InfoAdverseMedia))
	assert.Equal(t, PhaseIntelligence, PhaseOf(InfoDigitalFootprint))

	// Every type belongs to exactly one phase and the full set is covered.
	all := AllInfoTypes()
	assert.Len(t, all, 11)
	total := 0
	for _, phase := range []Phase{PhaseFoundation, PhaseRecords, PhaseIntelligence} {
		total += len(TypesInPhase(phase))
	}
	assert.Equal(t, len(all), total)
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []TypeState{StateComplete, StateFailed, StateSkipped} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []TypeState{StatePending, StateSearching, StateAssessing, StateRefining} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCheckTypeMapping(t *testing.T) {
	seen := make(map[string]bool)
	for _, it := range AllInfoTypes() {
		ct := CheckType(it)
		assert.NotEmpty(t, ct)
		assert.False(t, seen[ct], "check type %s mapped twice", ct)
		seen[ct] = true
	}
}
