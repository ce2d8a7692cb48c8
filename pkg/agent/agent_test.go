package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/hydra/pkg/models"
)

func TestParseLine_Status(t *testing.T) {
	parsed := ParseLine("::hydra:status testing")
	require.Equal(t, LineStatus, parsed.Kind)
	assert.Equal(t, models.WorkerTesting, parsed.Status)
}

func TestParseLine_UnknownStatusIsTranscript(t *testing.T) {
	parsed := ParseLine("::hydra:status dancing")
	assert.Equal(t, LineText, parsed.Kind)
	assert.Equal(t, "::hydra:status dancing", parsed.Text)
}

func TestParseLine_Result(t *testing.T) {
	parsed := ParseLine(`::hydra:result {"verdict":"done","pr":200,"pr_url":"https://host/pulls/200"}`)
	require.Equal(t, LineResult, parsed.Kind)
	require.NotNil(t, parsed.Result)
	assert.Equal(t, "done", parsed.Result.Verdict)
	assert.Equal(t, 200, parsed.Result.PR)
}

func TestParseLine_MalformedResultIsTranscript(t *testing.T) {
	for _, line := range []string{
		"::hydra:result {not json}",
		"::hydra:result {}",
	} {
		parsed := ParseLine(line)
		assert.Equal(t, LineText, parsed.Kind, "line %q", line)
	}
}

func TestParseLine_Question(t *testing.T) {
	parsed := ParseLine("::hydra:ask Should I bump the major version?")
	require.Equal(t, LineQuestion, parsed.Kind)
	assert.Equal(t, "Should I bump the major version?", parsed.Question)
}

func TestParseLine_Credits(t *testing.T) {
	assert.Equal(t, LineCredits, ParseLine("::hydra:credits_exhausted").Kind)
}

func TestParseLine_FreeText(t *testing.T) {
	parsed := ParseLine("compiling package foo...")
	assert.Equal(t, LineText, parsed.Kind)
	assert.Equal(t, "compiling package foo...", parsed.Text)
}
