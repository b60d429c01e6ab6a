package domain

import "time"

// Test is a knowledge test with its ordered questions.
type Test struct {
	ID               string     `json:"id" validate:"required"`
	SubjectID        string     `json:"subjectId" validate:"required"`
	Title            string     `json:"title"`
	TimeLimitSeconds int        `json:"timeLimitSeconds" validate:"gte=0"`
	PassingScore     float64    `json:"passingScore" validate:"gte=0,lte=100"`
	Questions        []Question `json:"questions" validate:"dive"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Question is a single test question. Position orders questions within a test.
type Question struct {
	ID       string   `json:"id" validate:"required"`
	Text     string   `json:"text" validate:"required"`
	Options  []string `json:"options,omitempty"`
	Answer   string   `json:"answer,omitempty"`
	Position int      `json:"position"`
}

// TimeLimit returns the test time limit, zero meaning unlimited.
func (t Test) TimeLimit() time.Duration {
	return time.Duration(t.TimeLimitSeconds) * time.Second
}
