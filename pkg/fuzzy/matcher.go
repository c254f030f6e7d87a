// Package fuzzy provides fuzzy matching functionality for searching download tasks
package fuzzy

import (
	"sort"
	"strconv"
	"strings"

	"konomitv-offline/pkg/models"
)

// Matcher provides fuzzy matching functionality
type Matcher struct{}

// NewMatcher creates a new fuzzy matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

// RankTasks returns the tasks matching query, best match first. An empty query
// returns tasks unchanged.
func (m *Matcher) RankTasks(query string, tasks []models.DownloadTask) []models.DownloadTask {
	query = strings.TrimSpace(query)
	if query == "" {
		return tasks
	}

	type scoredTask struct {
		task  models.DownloadTask
		score float64
	}

	var scored []scoredTask
	for _, task := range tasks {
		score := m.calculateScore(query, task.Title)
		if strconv.Itoa(task.VideoID) == query {
			score = 2.0
		}
		if score > 0 {
			scored = append(scored, scoredTask{task: task, score: score})
		}
	}

	// Sort by score descending, keeping the incoming order for ties
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	out := make([]models.DownloadTask, len(scored))
	for i, s := range scored {
		out[i] = s.task
	}
	return out
}

// calculateScore calculates the fuzzy match score between query and title
func (m *Matcher) calculateScore(query, title string) float64 {
	query = strings.ToLower(query)
	title = strings.ToLower(title)
	if title == "" {
		return 0.0
	}

	titleWords := splitWords(title)
	queryWords := splitWords(query)
	if len(queryWords) == 0 {
		return 0.0
	}

	// Every query word must appear somewhere in the title
	exactMatches := 0
	for _, qWord := range queryWords {
		if !strings.Contains(title, qWord) {
			return 0.0
		}
		for _, tWord := range titleWords {
			if qWord == tWord {
				exactMatches++
				break
			}
		}
	}

	// Whole words count more than substrings, and a phrase match more than both
	score := float64(len(query)) / float64(len(title))
	score += float64(exactMatches) / float64(len(titleWords))
	if strings.Contains(title, query) {
		score += 0.5
	}
	return score
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case '.', '_', '-', ' ', '　', '/', '(', ')', '[', ']', '【', '】', '「', '」':
			return true
		}
		return false
	})
}
