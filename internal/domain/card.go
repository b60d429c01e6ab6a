package domain

import "time"

// Flashcard is a server-owned flashcard as held in the local cache.
// It carries no dirty state: a refresh replaces it wholesale.
type Flashcard struct {
	ID         string    `json:"id" validate:"required"`
	SubjectID  string    `json:"subjectId" validate:"required"`
	ChapterID  *string   `json:"chapterId,omitempty"`
	Question   string    `json:"question" validate:"required"`
	Answer     string    `json:"answer"`
	Difficulty string    `json:"difficulty,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Subjects returns the distinct subject ids of cards, in first-seen order.
func Subjects(cards []Flashcard) []string {
	seen := make(map[string]bool)
	var subjects []string
	for _, c := range cards {
		if seen[c.SubjectID] {
			continue
		}
		seen[c.SubjectID] = true
		subjects = append(subjects, c.SubjectID)
	}
	return subjects
}
