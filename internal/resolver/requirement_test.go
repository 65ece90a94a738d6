package resolver

import (
	"errors"
	"testing"

	"github.com/danmuck/edgeinstall/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequirementDirectivesAndAttributes(t *testing.T) {
	testlog.Start(t)
	req, err := ParseRequirement(`edge.extender; filter:="(&(edge.extender=edge.ds)(version>=1.0))"; effective:=active`)
	require.NoError(t, err)
	assert.Equal(t, "edge.extender", req.Namespace)
	assert.Equal(t, "(&(edge.extender=edge.ds)(version>=1.0))", req.Directives["filter"])
	assert.Equal(t, "active", req.Directives["effective"])

	req, err = ParseRequirement("edge.contract;\n        edge.contract=JavaJAXRS;")
	require.NoError(t, err)
	assert.Equal(t, "JavaJAXRS", req.Attributes["edge.contract"])
}

func TestParseRequirementKeepsSemicolonsInsideQuotes(t *testing.T) {
	testlog.Start(t)
	req, err := ParseRequirement(`edge.behaviour; note="a;b"; resolution:=optional`)
	require.NoError(t, err)
	assert.Equal(t, "a;b", req.Attributes["note"])
	assert.True(t, req.Optional())
}

func TestParseRequirementRejectsMalformedInput(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		"",
		"filter:=(a=b)",
		"edge.identity; stray",
		`edge.identity; filter:="(a=b"`,
	}
	for _, raw := range cases {
		_, err := ParseRequirement(raw)
		assert.True(t, errors.Is(err, ErrInvalidRequirement), "raw=%q err=%v", raw, err)
	}
}

func TestRequirementBuilders(t *testing.T) {
	testlog.Start(t)
	req, err := ParseRequirement(BehaviourRequirement("SensorReading"))
	require.NoError(t, err)
	assert.True(t, req.Matches(Capability{
		Namespace:  NamespaceBehaviour,
		Attributes: map[string]any{"consumed": []any{"Other", "SensorReading"}},
	}))

	req, err = ParseRequirement(IdentityRequirement("com.example.app", "1.2.0"))
	require.NoError(t, err)
	assert.True(t, req.Matches(identityCapability("com.example.app", "1.2", false)))
	assert.False(t, req.Matches(identityCapability("com.example.app", "1.3.0", false)))

	assert.Equal(t, "(&(edge.identity=a)(version>=1.0))", BundlesFilter(map[string]string{"a": "1.0"}))
	assert.Equal(t, "(|(edge.identity=a)(&(edge.identity=b)(version>=2)))", BundlesFilter(map[string]string{"a": "", "b": "2"}))
}
