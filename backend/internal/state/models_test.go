package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRagTelemetry_TopSourcesCap(t *testing.T) {
	var telemetry RagTelemetry

	// Scores arrive in a scrambled order so the sort does real work
	scores := []float64{0.31, 0.92, 0.15, 0.77, 0.48, 0.66, 0.05, 0.89, 0.54, 0.23}
	for i, score := range scores {
		telemetry.Merge(RagQueryStats{
			Query:         fmt.Sprintf("q%d", i),
			ResultCount:   2,
			InjectedChars: 100,
			TopSources:    []RagSource{{DocumentID: fmt.Sprintf("doc-%d", i), Score: score}},
		})
	}

	require.Len(t, telemetry.TopSources, MaxTopSources)
	for i := 1; i < len(telemetry.TopSources); i++ {
		assert.Greater(t, telemetry.TopSources[i-1].Score, telemetry.TopSources[i].Score)
	}
	assert.Equal(t, 0.92, telemetry.TopSources[0].Score)
	assert.Equal(t, 0.54, telemetry.TopSources[4].Score)

	assert.True(t, telemetry.Enabled)
	assert.Equal(t, 10, telemetry.TotalQueries)
	assert.Equal(t, 20, telemetry.TotalResults)
	assert.Equal(t, 1000, telemetry.TotalInjectedChars)
	require.NotNil(t, telemetry.LastQuery)
	assert.Equal(t, "q9", telemetry.LastQuery.Query)
}

func TestRagTelemetry_MergeManySourcesAtOnce(t *testing.T) {
	var telemetry RagTelemetry
	sources := make([]RagSource, 0, 8)
	for i := 0; i < 8; i++ {
		sources = append(sources, RagSource{DocumentID: fmt.Sprintf("d%d", i), Score: float64(i)})
	}
	telemetry.Merge(RagQueryStats{TopSources: sources})

	require.Len(t, telemetry.TopSources, MaxTopSources)
	assert.Equal(t, "d7", telemetry.TopSources[0].DocumentID)
	assert.Len(t, telemetry.LastQuery.TopSources, 8)
}

func TestRagTelemetry_CloneIsIndependent(t *testing.T) {
	var telemetry RagTelemetry
	telemetry.Merge(RagQueryStats{TopSources: []RagSource{{DocumentID: "a", Score: 1}}})

	clone := telemetry.Clone()
	clone.TopSources[0].DocumentID = "changed"
	clone.LastQuery.Query = "changed"

	assert.Equal(t, "a", telemetry.TopSources[0].DocumentID)
	assert.Empty(t, telemetry.LastQuery.Query)
}

func TestMergeTranscript(t *testing.T) {
	now := time.Now()
	segments := []TranscriptSegment{
		{Text: "Grüezi", Timestamp: now, IsFinal: true},
		{Text: "ich möch", Timestamp: now, IsFinal: false},
		{Text: "ich möchte einen Termin", Timestamp: now, IsFinal: true},
	}
	assert.Equal(t, "Grüezi ich möchte einen Termin", MergeTranscript(segments))
	assert.Equal(t, "", MergeTranscript(nil))
}

func TestCallIdentity_Validate(t *testing.T) {
	assert.NoError(t, CallIdentity{CallID: "CA1", TenantID: "T1", AgentID: "agent"}.Validate())

	err := CallIdentity{CallID: "CA1", AgentID: "agent"}.Validate()
	var invalid ErrInvalidCallIdentity
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "tenant_id", invalid.Field)
}
