package aggregator

import (
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/premortem/pkg/models"
)

const (
	maxSummarySamples = 5
	maxStackFrames    = 10
)

// TimestampLayout renders sample timestamps the way the analytical store prints them.
const TimestampLayout = "2006-01-02 15:04:05.000"

// Bundle is the raw material gathered for one incident.
type Bundle struct {
	Samples      []models.RawEventSample
	ErrorCount   uint64
	DeployHashes []string
}

// Services returns the distinct services of the samples in order of first
// appearance.
func (b Bundle) Services() []string {
	seen := make(map[string]bool, len(b.Samples))
	services := make([]string, 0, len(b.Samples))
	for _, s := range b.Samples {
		if seen[s.Service] {
			continue
		}
		seen[s.Service] = true
		services = append(services, s.Service)
	}
	return services
}

// RenderSummary builds the markdown context handed to the root-cause stage.
func RenderSummary(detection *models.IncidentDetectedPayload, b Bundle) string {
	lines := []string{
		"## Error Summary",
		"- Type: " + detection.ErrorType,
		"- Message: " + detection.ErrorValue,
		"- Service(s): " + strings.Join(b.Services(), ", "),
		fmt.Sprintf("- Total occurrences (last %d min): %d", models.ContextWindowMinutes, b.ErrorCount),
		fmt.Sprintf("- Spike count (detection window): %d", detection.SpikeCount),
		"",
	}

	if len(b.DeployHashes) > 0 {
		lines = append(lines, "## Recent Deploys")
		for _, h := range b.DeployHashes {
			lines = append(lines, "- "+h)
		}
		lines = append(lines, "")
	}

	if len(b.Samples) > 0 {
		lines = append(lines, fmt.Sprintf("## Sample Stacktraces (%d)", len(b.Samples)))
		for _, s := range b.Samples[:min(len(b.Samples), maxSummarySamples)] {
			lines = append(lines, fmt.Sprintf("### %s (%s)", s.EventID, formatTimestamp(s.EventTimestamp)))
			lines = append(lines, "```")
			lines = append(lines, topFrames(s.Stacktrace)...)
			lines = append(lines, "```", "")
		}
	}

	return strings.Join(lines, "\n")
}

// topFrames keeps the first non-blank stacktrace lines, untrimmed.
func topFrames(stacktrace string) []string {
	var frames []string
	for _, line := range strings.Split(stacktrace, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		frames = append(frames, line)
		if len(frames) == maxStackFrames {
			break
		}
	}
	return frames
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
