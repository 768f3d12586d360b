package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var schema = map[string]any{
	"user_agent": "",
	"ip":         "",
	"event_type": "",
}

func TestRuleSetMatch(t *testing.T) {
	rs, err := NewRuleSet(schema,
		`ip.startsWith("10.66.")`,
		`event_type == "click" && user_agent == ""`,
	)
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())

	expr, ok, err := rs.Match(map[string]any{"user_agent": "Mozilla/5.0", "ip": "10.66.1.2", "event_type": "impression"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `ip.startsWith("10.66.")`, expr)

	_, ok, err = rs.Match(map[string]any{"user_agent": "Mozilla/5.0", "ip": "192.168.0.1", "event_type": "click"})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = rs.Match(map[string]any{"user_agent": "", "ip": "192.168.0.1", "event_type": "click"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRuleSetRejectsNonBool(t *testing.T) {
	_, err := NewRuleSet(schema, `ip + "x"`)
	require.Error(t, err)
}

func TestRuleSetRejectsUnknownVariable(t *testing.T) {
	_, err := NewRuleSet(schema, `country == "XX"`)
	require.Error(t, err)
}

func TestNilRuleSet(t *testing.T) {
	var rs *RuleSet
	_, ok, err := rs.Match(map[string]any{})
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, rs.Len())
}

func TestValidateExpression(t *testing.T) {
	env, err := BuildCelEnvFromAttributes(schema)
	require.NoError(t, err)
	require.NoError(t, ValidateExpression(env, `type in ["click", "impression"]`))
	require.Error(t, ValidateExpression(env, `type ==`))
}
