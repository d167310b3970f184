package catalog

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/victornm/triviarena/internal/domain"
)

type Policy string

const (
	// PolicyRepeat picks uniformly from the whole catalog every round.
	PolicyRepeat Policy = "repeat"
	// PolicyNoRepeat picks uniformly among questions not yet asked in the session,
	// falling back to the whole catalog once every question was asked.
	PolicyNoRepeat Policy = "no_repeat"
)

type Config struct {
	Policy Policy
	// Rand is used for selection; nil means the global source.
	Rand *rand.Rand
}

// Catalog is a read-only question pool.
type Catalog struct {
	questions []domain.Question
	policy    Policy

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(questions []domain.Question, c Config) (*Catalog, error) {
	if len(questions) == 0 {
		return nil, fmt.Errorf("catalog: no questions")
	}

	seen := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		if err := validate(q); err != nil {
			return nil, fmt.Errorf("catalog: question %q: %w", q.ID, err)
		}
		if _, ok := seen[q.ID]; ok {
			return nil, fmt.Errorf("catalog: duplicated question id %q", q.ID)
		}
		seen[q.ID] = struct{}{}
	}

	switch c.Policy {
	case "":
		c.Policy = PolicyRepeat
	case PolicyRepeat, PolicyNoRepeat:
	default:
		return nil, fmt.Errorf("catalog: unknown policy %q", c.Policy)
	}

	return &Catalog{
		questions: slices.Clone(questions),
		policy:    c.Policy,
		rnd:       c.Rand,
	}, nil
}

func validate(q domain.Question) error {
	switch {
	case q.ID == "":
		return fmt.Errorf("empty id")
	case q.Text == "":
		return fmt.Errorf("empty text")
	case len(q.Options) < 2:
		return fmt.Errorf("need at least 2 options, got %d", len(q.Options))
	case q.CorrectOptionIndex < 0 || q.CorrectOptionIndex >= len(q.Options):
		return fmt.Errorf("correct option %d out of range", q.CorrectOptionIndex)
	}

	return nil
}

// Pick selects the question of the next round. asked lists the ids already used in the session.
func (c *Catalog) Pick(asked []string) domain.Question {
	pool := c.questions
	if c.policy == PolicyNoRepeat && len(asked) > 0 {
		fresh := make([]domain.Question, 0, len(pool))
		for _, q := range pool {
			if !slices.Contains(asked, q.ID) {
				fresh = append(fresh, q)
			}
		}
		if len(fresh) > 0 {
			pool = fresh
		}
	}

	return pool[c.intN(len(pool))]
}

func (c *Catalog) Len() int {
	return len(c.questions)
}

func (c *Catalog) Policy() Policy {
	return c.policy
}

func (c *Catalog) intN(n int) int {
	if c.rnd == nil {
		return rand.IntN(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.IntN(n)
}

type file struct {
	Questions []domain.Question `yaml:"questions"`
}

// LoadFile reads questions from a YAML file.
func LoadFile(path string) ([]domain.Question, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	for i := range f.Questions {
		if f.Questions[i].Points == 0 {
			f.Questions[i].Points = 100
		}
	}

	return f.Questions, nil
}

// LoadPostgres reads every question of the questions table.
func LoadPostgres(ctx context.Context, db *pgxpool.Pool) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, question_text, options, correct_option, points, COALESCE(category, '')
FROM questions
ORDER BY question_id;`

	rows, err := db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		if err := r.Scan(&q.ID, &q.Text, &q.Options, &q.CorrectOptionIndex, &q.Points, &q.Category); err != nil {
			return domain.Question{}, err
		}
		return q, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	return qs, nil
}
