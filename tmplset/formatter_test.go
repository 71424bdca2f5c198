package tmplset_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/tmplset"
)

func TestFormatSubstitutesPlainPlaceholder(t *testing.T) {
	f := tmplset.NewFormatter()

	out, err := f.Format(tmplset.Sequence{"-netdev @@IF_REWRITER@@,id=hn0"}, map[string]jsonval.Value{
		"if_rewriter": "tap,fd=23",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"-netdev tap,fd=23,id=hn0"}, out)
}

func TestFormatMergesDeclDefaultsWithOverride(t *testing.T) {
	f := tmplset.NewFormatter()

	tpl := tmplset.Template(`@@DECL_COMP_PROP@@ {"primary":true,"timeout":3}"properties":@@COMP_PROP@@`)

	out, err := f.Format(tmplset.Sequence{tpl}, map[string]jsonval.Value{
		"comp_prop": map[string]jsonval.Value{"timeout": float64(9)},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	var got map[string]jsonval.Value
	require.NoError(t, json.Unmarshal([]byte(out[0][len(`"properties":`):]), &got))
	assert.Equal(t, true, got["primary"])
	assert.Equal(t, float64(9), got["timeout"])
}

func TestFormatUsesDeclDefaultWithoutOverride(t *testing.T) {
	f := tmplset.NewFormatter()

	tpl := tmplset.Template(`@@DECL_COMP_PROP@@ {"primary":true}"properties":@@COMP_PROP@@`)

	out, err := f.Format(tmplset.Sequence{tpl}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"primary":true}`, out[0][len(`"properties":`):])
}

func TestValidateRejectsMalformedDeclJSON(t *testing.T) {
	f := tmplset.NewFormatter()

	err := f.Validate(tmplset.Sequence{`@@DECL_COMP_PROP@@ {not json}`})
	assert.Error(t, err)
}

func TestValidateAcceptsWellFormedSequence(t *testing.T) {
	f := tmplset.NewFormatter()

	err := f.Validate(tmplset.Sequence{
		`{"execute":"migrate-set-capabilities","arguments":{"capabilities":@@MIG_CAP@@}}`,
	})
	assert.NoError(t, err)
}

func TestSetNamedRoundTripsThroughJSON(t *testing.T) {
	orig := tmplset.Set{
		PrepareSecondary: tmplset.Sequence{"{\"execute\":\"stop\"}"},
		QEMUPrimaryArgs:  tmplset.Sequence{"-enable-kvm"},
	}

	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	var roundTripped tmplset.Set
	require.NoError(t, json.Unmarshal(raw, &roundTripped))

	assert.Equal(t, orig, roundTripped)
}

func TestSetNamedReplacesSequence(t *testing.T) {
	var s tmplset.Set

	require.NoError(t, s.SetNamed("failover_primary", tmplset.Sequence{"{\"execute\":\"cont\"}"}))

	seq, ok := s.Named("failover_primary")
	require.True(t, ok)
	assert.Equal(t, tmplset.Sequence{"{\"execute\":\"cont\"}"}, seq)

	assert.Error(t, s.SetNamed("not-a-sequence", nil))
}
