package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ulp/internal/fano"
)

func decodeQuorum(t *testing.T, out string) QuorumResult {
	t.Helper()
	var resp struct {
		Status string       `json:"status"`
		Data   QuorumResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestQuorumWithDemoValidators(t *testing.T) {
	demo, err := demoValidators()
	require.NoError(t, err)
	sel, err := fano.NewSelector(demo)
	require.NoError(t, err)

	for _, seed := range []string{"round-1", "round-2", "genesis"} {
		t.Run(seed, func(t *testing.T) {
			out, err := execute(t, "--format", "json", "quorum", seed)
			require.NoError(t, err)

			res := decodeQuorum(t, out)
			assert.Equal(t, seed, res.Seed)
			assert.Equal(t, fano.LineIndex(seed), res.Line)
			assert.Equal(t, fano.Lines[res.Line], res.Points)
			assert.Equal(t, sel.Quorum(seed), res.Quorum)
		})
	}
}

func TestQuorumDemoValidatorsAreStable(t *testing.T) {
	a, err := demoValidators()
	require.NoError(t, err)
	b, err := demoValidators()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	_, err = fano.NewSelector(a)
	assert.NoError(t, err)
}

func TestQuorumGeneratesSeed(t *testing.T) {
	out, err := execute(t, "--format", "json", "quorum")
	require.NoError(t, err)
	res := decodeQuorum(t, out)
	assert.Len(t, res.Seed, 36)
	assert.Len(t, res.Quorum, 3)
}

func TestQuorumExplicitValidators(t *testing.T) {
	ids := hexIDs(fano.Size)
	args := []string{"--format", "json", "quorum", "seed-x"}
	for _, id := range ids {
		args = append(args, "--validator", id)
	}
	out, err := execute(t, args...)
	require.NoError(t, err)

	line := fano.Lines[fano.LineIndex("seed-x")]
	res := decodeQuorum(t, out)
	assert.Equal(t, []string{ids[line[0]], ids[line[1]], ids[line[2]]}, res.Quorum)
}

func TestQuorumValidatorsFromConfig(t *testing.T) {
	ids := hexIDs(fano.Size)
	cfgPath := filepath.Join(t.TempDir(), "node.yaml")
	cfg := "validators:\n"
	for _, id := range ids {
		cfg += fmt.Sprintf("  - %q\n", id)
	}
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err := execute(t, "--format", "json", "--config", cfgPath, "quorum", "seed-y")
	require.NoError(t, err)
	res := decodeQuorum(t, out)
	for _, member := range res.Quorum {
		assert.Contains(t, ids, member)
	}
}

func TestQuorumWrongValidatorCount(t *testing.T) {
	out, err := execute(t, "quorum", "s", "--validator", "a", "--validator", "b")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, fano.ErrValidatorCount)
	assert.Contains(t, out, "Error ["+CodeValidators+"]")
}

func TestQuorumResultText(t *testing.T) {
	r := QuorumResult{Seed: "s", Line: 3, Points: [3]int{1, 3, 5}, Quorum: []string{"b", "d", "f"}}
	assert.Equal(t, "seed:   s\nline:   3 [1 3 5]\nmember: 1 b\nmember: 3 d\nmember: 5 f\n", r.Text())
}

// hexIDs returns n distinct 64-character hex identities.
func hexIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strings.Repeat(string("0123456789abcdef"[i]), 64)
	}
	return ids
}
