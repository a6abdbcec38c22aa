package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqual(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		a    Value
		b    Value
		want bool
	}{
		{"equal strings", StringValue("NET15"), StringValue("NET15"), true},
		{"different strings", StringValue("NET15"), StringValue("NET30"), false},
		{"string vs number", StringValue("15"), NumberValue(15), false},
		{"equal numbers", NumberValue(42.5), NumberValue(42.5), true},
		{"equal bools", BoolValue(true), BoolValue(true), true},
		{"different bools", BoolValue(true), BoolValue(false), false},
		{"equal times", TimeValue(now), TimeValue(now), true},
		{
			"equal lists",
			ListValue(StringValue("a"), NumberValue(1)),
			ListValue(StringValue("a"), NumberValue(1)),
			true,
		},
		{
			"lists differ in order",
			ListValue(StringValue("a"), StringValue("b")),
			ListValue(StringValue("b"), StringValue("a")),
			false,
		},
		{
			"equal maps",
			MapValue(map[string]Value{"tier": StringValue("gold")}),
			MapValue(map[string]Value{"tier": StringValue("gold")}),
			true,
		},
		{
			"maps differ in value",
			MapValue(map[string]Value{"tier": StringValue("gold")}),
			MapValue(map[string]Value{"tier": StringValue("silver")}),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	original := MapValue(map[string]Value{
		"terms":  StringValue("NET30"),
		"limit":  NumberValue(50000),
		"active": BoolValue(true),
	})

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded))
}

func TestValidateProperties(t *testing.T) {
	props := Properties{
		"industry": StringValue("logistics"),
		"tier":     StringValue("gold"),
	}
	assert.NoError(t, ValidateProperties(EntityTypeCustomer, props))

	bad := Properties{"shoe_size": NumberValue(44)}
	err := ValidateProperties(EntityTypeCustomer, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shoe_size")

	// Unknown entity types accept any key.
	assert.NoError(t, ValidateProperties("warehouse", bad))
}

func TestFactStatusTransitions(t *testing.T) {
	assert.True(t, FactActive.CanTransition(FactSuperseded))
	assert.True(t, FactAging.CanTransition(FactActive))
	assert.True(t, FactPending.CanTransition(FactActive))
	assert.False(t, FactSuperseded.CanTransition(FactActive))
	assert.False(t, FactInvalidated.CanTransition(FactAging))
	assert.False(t, FactActive.CanTransition(FactActive))

	assert.True(t, FactActive.IsLive())
	assert.True(t, FactAging.IsLive())
	assert.False(t, FactPending.IsLive())
	assert.False(t, FactSuperseded.IsLive())
	assert.False(t, FactPending.IsTerminal())
}

func TestAliasScope(t *testing.T) {
	assert.True(t, ScopeGlobal.IsGlobal())
	assert.False(t, ScopeGlobal.IsContextual())

	u := UserScope("42")
	assert.Equal(t, AliasScope("user:42"), u)
	assert.True(t, u.IsContextual())

	c := ContextScope("sess-9")
	assert.Equal(t, AliasScope("ctx:sess-9"), c)
	assert.True(t, c.IsContextual())
}

func TestAliasConfidenceCeiling(t *testing.T) {
	learned := &EntityAlias{Source: SourceExtracted}
	assert.Equal(t, LearnedCeiling, learned.ConfidenceCeiling())

	registry := &EntityAlias{Source: SourceDomainRegistry}
	assert.Equal(t, 1.0, registry.ConfidenceCeiling())
}
