package fuzzy

import (
	"testing"

	"konomitv-offline/pkg/models"

	"github.com/stretchr/testify/require"
)

func titles(tasks []models.DownloadTask) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Title)
	}
	return out
}

func TestMatcher_RankTasks(t *testing.T) {
	matcher := NewMatcher()

	tasks := []models.DownloadTask{
		{VideoID: 1, Title: "Evening News"},
		{VideoID: 2, Title: "Late Night Anime Special"},
		{VideoID: 3, Title: "Anime"},
		{VideoID: 42, Title: "Weather Report"},
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "empty query keeps order",
			query: "  ",
			want:  []string{"Evening News", "Late Night Anime Special", "Anime", "Weather Report"},
		},
		{
			name:  "exact title ranks first",
			query: "anime",
			want:  []string{"Anime", "Late Night Anime Special"},
		},
		{
			name:  "substring match",
			query: "repo",
			want:  []string{"Weather Report"},
		},
		{
			name:  "every word must match",
			query: "night news",
			want:  nil,
		},
		{
			name:  "video id",
			query: "42",
			want:  []string{"Weather Report"},
		},
		{
			name:  "no match",
			query: "cooking",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matcher.RankTasks(tt.query, tasks)
			if tt.want == nil {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tt.want, titles(got))
		})
	}
}

func TestMatcher_CalculateScore(t *testing.T) {
	matcher := NewMatcher()

	require.Equal(t, 0.0, matcher.calculateScore("anime", ""))
	require.Equal(t, 0.0, matcher.calculateScore("   ", "Anime"))
	require.Greater(t, matcher.calculateScore("anime", "Anime"), matcher.calculateScore("anime", "Anime Special"))
	require.Greater(t, matcher.calculateScore("anime", "Anime Special"), matcher.calculateScore("anim", "Anime Special"))
}
