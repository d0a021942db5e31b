package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetKnownAction(t *testing.T) {
	entry := Get(BanUser)
	require.NotNil(t, entry)
	assert.Equal(t, BanUser, entry.Name)
	require.Len(t, entry.Parameters, 1)
	assert.True(t, entry.Parameters[0].Required)
}

func TestGetUnknownAction(t *testing.T) {
	assert.Nil(t, Get("no_such_action"))
}

func TestEveryEntryIsNamed(t *testing.T) {
	for _, name := range Names() {
		assert.NotNil(t, Get(name), "entry %s should resolve", name)
	}
	assert.Len(t, Names(), len(All()))
}

func TestValidateRequiredParameter(t *testing.T) {
	err := Validate(KickUser, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")

	assert.NoError(t, Validate(KickUser, map[string]string{"user": "bob"}))
}

func TestValidateEnumConstraint(t *testing.T) {
	err := Validate(UpgradeSupportTier, map[string]string{"target_tier": "platinum"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_tier")

	assert.NoError(t, Validate(UpgradeSupportTier, map[string]string{"target_tier": "premium"}))
}

func TestValidateUnknownAction(t *testing.T) {
	assert.Error(t, Validate("frobnicate", nil))
}

func TestValidateUnexpectedParameter(t *testing.T) {
	err := Validate(ShowHelp, map[string]string{"bogus": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestValidateOptionalParameter(t *testing.T) {
	assert.NoError(t, Validate(MuteUser, map[string]string{"user": "bob"}))
	assert.NoError(t, Validate(MuteUser, map[string]string{"user": "bob", "duration": "10m"}))
}

func TestMissingRequired(t *testing.T) {
	missing := MissingRequired(IssueCredential, map[string]string{"recipient": "bob"})
	assert.Equal(t, []string{"credential_type"}, missing)

	assert.Empty(t, MissingRequired(ShowHelp, nil))
}

func TestToolsCoverWholeCatalog(t *testing.T) {
	tools := Tools()
	require.Len(t, tools, len(All()))

	for i, entry := range All() {
		require.NotNil(t, tools[i].Function)
		assert.Equal(t, entry.Name, tools[i].Function.Name)
		assert.Equal(t, "function", tools[i].Type)
	}
}

func TestToolsEnumRendered(t *testing.T) {
	var upgrade map[string]any
	for _, tool := range Tools() {
		if tool.Function.Name == UpgradeSupportTier {
			upgrade = tool.Function.Parameters.(map[string]any)
		}
	}
	require.NotNil(t, upgrade)

	properties := upgrade["properties"].(map[string]any)
	tier := properties["target_tier"].(map[string]any)
	assert.Equal(t, SupportTiers, tier["enum"])
	assert.Equal(t, []string{"target_tier"}, upgrade["required"])
}
