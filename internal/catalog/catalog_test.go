package catalog_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/triviarena/internal/catalog"
	"github.com/victornm/triviarena/internal/domain"
)

func TestNew(t *testing.T) {
	valid := domain.Question{ID: "q1", Text: "?", Options: []string{"a", "b"}, CorrectOptionIndex: 1}

	tests := map[string]struct {
		questions []domain.Question
		policy    catalog.Policy
		wantErr   bool
	}{
		"valid catalog with default policy": {questions: []domain.Question{valid}},
		"no_repeat policy":                  {questions: []domain.Question{valid}, policy: catalog.PolicyNoRepeat},
		"empty catalog":                     {wantErr: true},
		"unknown policy":                    {questions: []domain.Question{valid}, policy: "shuffle", wantErr: true},
		"duplicated ids":                    {questions: []domain.Question{valid, valid}, wantErr: true},
		"single option": {
			questions: []domain.Question{{ID: "q1", Text: "?", Options: []string{"a"}}},
			wantErr:   true,
		},
		"correct option out of range": {
			questions: []domain.Question{{ID: "q1", Text: "?", Options: []string{"a", "b"}, CorrectOptionIndex: 2}},
			wantErr:   true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := catalog.New(tt.questions, catalog.Config{Policy: tt.policy})
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tt.questions), c.Len())
			if tt.policy == "" {
				assert.Equal(t, catalog.PolicyRepeat, c.Policy())
			}
		})
	}
}

func TestCatalog_Pick(t *testing.T) {
	qs := makeQuestions("q1", "q2", "q3", "q4")

	t.Run("repeat policy should reach every question", func(t *testing.T) {
		c, err := catalog.New(qs, catalog.Config{Rand: rand.New(rand.NewPCG(1, 2))})
		require.NoError(t, err)

		seen := make(map[string]int)
		for i := 0; i < 400; i++ {
			seen[c.Pick([]string{"q1", "q2", "q3"}).ID]++
		}
		assert.Len(t, seen, 4, "asked questions may be repeated")
	})

	t.Run("no_repeat policy should skip asked questions", func(t *testing.T) {
		c, err := catalog.New(qs, catalog.Config{Policy: catalog.PolicyNoRepeat, Rand: rand.New(rand.NewPCG(1, 2))})
		require.NoError(t, err)

		for i := 0; i < 50; i++ {
			assert.Equal(t, "q4", c.Pick([]string{"q1", "q2", "q3"}).ID)
		}
	})

	t.Run("no_repeat policy should fall back to the whole catalog when exhausted", func(t *testing.T) {
		c, err := catalog.New(qs, catalog.Config{Policy: catalog.PolicyNoRepeat})
		require.NoError(t, err)

		q := c.Pick([]string{"q1", "q2", "q3", "q4"})
		assert.Contains(t, []string{"q1", "q2", "q3", "q4"}, q.ID)
	})
}

func TestLoadFile(t *testing.T) {
	qs, err := catalog.LoadFile("testdata/questions.yaml")
	require.NoError(t, err)

	require.Len(t, qs, 2)
	assert.Equal(t, domain.Question{
		ID:                 "q1",
		Text:               "What is the capital of France?",
		Options:            []string{"Berlin", "Madrid", "Paris", "Rome"},
		CorrectOptionIndex: 2,
		Points:             100,
		Category:           "geography",
	}, qs[0])
	assert.Equal(t, 200, qs[1].Points)

	_, err = catalog.LoadFile("testdata/missing.yaml")
	require.Error(t, err)
}

func makeQuestions(ids ...string) []domain.Question {
	qs := make([]domain.Question, 0, len(ids))
	for _, id := range ids {
		qs = append(qs, domain.Question{
			ID:                 id,
			Text:               "question " + id,
			Options:            []string{"a", "b", "c", "d"},
			CorrectOptionIndex: 0,
			Points:             100,
		})
	}
	return qs
}
