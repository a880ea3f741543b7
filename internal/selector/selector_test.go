package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

func testCatalog() Catalog {
	return NewCatalog(
		models.Backend{ID: "backend-a", Stage: models.StageOCR, Engine: "fake"},
		models.Backend{ID: "backend-b", Stage: models.StageOCR, Engine: "fake"},
		models.Backend{ID: "backend-hq", Stage: models.StageOCR, Engine: "fake", MinQuality: 0.8},
		models.Backend{ID: "classifier", Stage: models.StageClassify, Engine: "fake"},
	)
}

func TestSelect_FirstMatchWins(t *testing.T) {
	policy := Policy{
		Rules: []Rule{
			{Name: "english", When: Predicate{Languages: []string{"en"}}, Backend: "backend-a"},
			{Name: "anything", Backend: "backend-b"},
		},
	}

	b, err := Select(testCatalog(), models.StageOCR, models.Profile{Language: "en"}, policy, nil)
	require.NoError(t, err)
	assert.Equal(t, "backend-a", b.ID)

	b, err = Select(testCatalog(), models.StageOCR, models.Profile{Language: "de"}, policy, nil)
	require.NoError(t, err)
	assert.Equal(t, "backend-b", b.ID)
}

func TestSelect_FallsBackToDefault(t *testing.T) {
	policy := Policy{
		Rules:   []Rule{{When: Predicate{Languages: []string{"en"}}, Backend: "backend-a"}},
		Default: "backend-b",
	}
	b, err := Select(testCatalog(), models.StageOCR, models.Profile{Language: "fr"}, policy, nil)
	require.NoError(t, err)
	assert.Equal(t, "backend-b", b.ID)
}

func TestSelect_NoEligibleBackend(t *testing.T) {
	policy := Policy{Rules: []Rule{{When: Predicate{Languages: []string{"en"}}, Backend: "backend-a"}}}
	_, err := Select(testCatalog(), models.StageOCR, models.Profile{Language: "ja"}, policy, nil)
	assert.ErrorIs(t, err, ErrNoEligibleBackend)
}

func TestSelect_ExclusionEscalates(t *testing.T) {
	policy := Policy{
		Rules:   []Rule{{When: Predicate{Languages: []string{"en"}}, Backend: "backend-a"}},
		Default: "backend-b",
	}
	b, err := Select(testCatalog(), models.StageOCR, models.Profile{Language: "en"}, policy, map[string]bool{"backend-a": true})
	require.NoError(t, err)
	assert.Equal(t, "backend-b", b.ID)

	_, err = Select(testCatalog(), models.StageOCR, models.Profile{Language: "en"}, policy, map[string]bool{"backend-a": true, "backend-b": true})
	assert.ErrorIs(t, err, ErrNoEligibleBackend)
}

func TestSelect_SkipsIneligibleTargets(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		profile models.Profile
		want    string
	}{
		{
			name:    "wrong stage affinity",
			policy:  Policy{Rules: []Rule{{Backend: "classifier"}}, Default: "backend-a"},
			profile: models.Profile{},
			want:    "backend-a",
		},
		{
			name:    "quality constraint",
			policy:  Policy{Rules: []Rule{{Backend: "backend-hq"}}, Default: "backend-b"},
			profile: models.Profile{Quality: 0.5},
			want:    "backend-b",
		},
		{
			name:    "quality satisfied",
			policy:  Policy{Rules: []Rule{{Backend: "backend-hq"}}, Default: "backend-b"},
			profile: models.Profile{Quality: 0.9},
			want:    "backend-hq",
		},
		{
			name:    "unknown backend id",
			policy:  Policy{Rules: []Rule{{Backend: "missing"}}, Default: "backend-b"},
			profile: models.Profile{},
			want:    "backend-b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Select(testCatalog(), models.StageOCR, tt.profile, tt.policy, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.ID)
		})
	}
}

func TestSelect_IsDeterministic(t *testing.T) {
	policy := Policy{
		Rules: []Rule{
			{When: Predicate{MaxPages: 10}, Backend: "backend-a"},
			{When: Predicate{MinPages: 11}, Backend: "backend-b"},
		},
	}
	profile := models.Profile{PageCount: 42, Language: "en"}
	first, err := Select(testCatalog(), models.StageOCR, profile, policy, nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		b, err := Select(testCatalog(), models.StageOCR, profile, policy, nil)
		require.NoError(t, err)
		assert.Equal(t, first, b)
	}
	assert.Equal(t, "backend-b", first.ID)
}

func TestPredicate_Matches(t *testing.T) {
	p := models.Profile{Language: "en", Quality: 0.6, PageCount: 5, SizeBytes: 1000}
	assert.True(t, Predicate{}.Matches(p))
	assert.True(t, Predicate{Languages: []string{"de", "en"}, MinQuality: 0.5, MaxPages: 5}.Matches(p))
	assert.False(t, Predicate{MaxQuality: 0.5}.Matches(p))
	assert.False(t, Predicate{MaxSize: 999}.Matches(p))
	assert.False(t, Predicate{MinPages: 6}.Matches(p))
}
