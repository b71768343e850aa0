package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/corpus/internal/httpclient"
	"github.com/ternarybob/corpus/internal/models"
)

// formatSources formats sources as a markdown table
func formatSources(sources []httpclient.SourceSummary) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Sources (%d)\n\n", len(sources)))
	if len(sources) == 0 {
		sb.WriteString("No sources configured.\n")
		return sb.String()
	}

	sb.WriteString("| ID | Name | Provider | Lifecycle | Connected | Initialized | Schedule |\n")
	sb.WriteString("|----|------|----------|-----------|-----------|-------------|----------|\n")
	for _, s := range sources {
		lifecycle := string(s.Lifecycle)
		if lifecycle == "" {
			lifecycle = "idle"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %t | %t | %s |\n",
			s.ID, s.Name, s.ProviderType, lifecycle, s.Connected, s.Initialized, s.Schedule))
	}
	return sb.String()
}

func formatScheduleResult(sourceID string, jobType models.IndexingJobType, result *models.ScheduleResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s job for %s: %s\n\n", jobType, sourceID, result.Status))
	sb.WriteString(fmt.Sprintf("**Job:** %s\n", result.JobID))
	if result.ChildJobID != "" {
		sb.WriteString(fmt.Sprintf("**Child job:** %s\n", result.ChildJobID))
	}
	if result.ErrorCode != "" {
		sb.WriteString(fmt.Sprintf("**Error:** %s (%s)\n", result.Error, result.ErrorCode))
	}
	return sb.String()
}

// formatJob formats a single job as markdown
func formatJob(job *models.Job) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Job %s\n\n", job.ID))
	sb.WriteString(fmt.Sprintf("**Kind:** %s\n", job.Kind))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", job.Status))
	if job.SourceID != "" {
		sb.WriteString(fmt.Sprintf("**Source:** %s\n", job.SourceID))
	}
	if job.ParentID != "" {
		sb.WriteString(fmt.Sprintf("**Parent:** %s\n", job.ParentID))
	}
	sb.WriteString(fmt.Sprintf("**Created:** %s\n", job.CreatedAt.Format(time.RFC3339)))
	if job.FinishedAt != nil {
		sb.WriteString(fmt.Sprintf("**Finished:** %s\n", job.FinishedAt.Format(time.RFC3339)))
	}
	if job.ErrorMessage != "" {
		sb.WriteString(fmt.Sprintf("\n**Error:** %s", job.ErrorMessage))
		if job.ErrorCode != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", job.ErrorCode))
		}
		sb.WriteString("\n")
	}
	if len(job.Result) > 0 {
		sb.WriteString("\n#### Result:\n```json\n")
		sb.Write(job.Result)
		sb.WriteString("\n```\n")
	}
	return sb.String()
}

func formatJobs(jobs []*models.Job) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Jobs (%d)\n\n", len(jobs)))
	if len(jobs) == 0 {
		sb.WriteString("No jobs found.\n")
		return sb.String()
	}

	for i, job := range jobs {
		sb.WriteString(fmt.Sprintf("%d. **%s** `%s` %s", i+1, job.Kind, job.ID, job.Status))
		if job.SourceID != "" {
			sb.WriteString(fmt.Sprintf(" (source %s)", job.SourceID))
		}
		sb.WriteString(fmt.Sprintf(" %s\n", job.CreatedAt.Format(time.RFC3339)))
	}
	return sb.String()
}

// formatProgress counts outcomes per status and lists failures
func formatProgress(jobID string, progress *models.InitProgress) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Init progress for %s: %s\n\n", jobID, progress.Status))

	counts := map[string]int{}
	var failures []models.EventOutcome
	for _, outcome := range progress.Results {
		counts[outcome.Status]++
		if outcome.Error != "" {
			failures = append(failures, outcome)
		}
	}
	sb.WriteString(fmt.Sprintf("**Records:** %d\n", len(progress.Results)))
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", status, counts[status]))
	}

	if len(failures) > 0 {
		sb.WriteString("\n#### Failures:\n")
		for _, f := range failures {
			sb.WriteString(fmt.Sprintf("- %s %s: %s\n", f.Event, f.RecordID, f.Error))
		}
	}
	return sb.String()
}
