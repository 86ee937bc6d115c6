package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		value    string
		wantRule string
	}{
		{name: "class ok", kind: KindTestClass, value: "com.example.LoginTest"},
		{name: "class trimmed", kind: KindTestClass, value: "  LoginTest  "},
		{name: "class empty", kind: KindTestClass, value: "   ", wantRule: "required"},
		{name: "class with space", kind: KindTestClass, value: "Login Test", wantRule: "pattern"},
		{name: "class too long", kind: KindTestClass, value: strings.Repeat("a", 501), wantRule: "max"},
		{name: "class at limit", kind: KindTestClass, value: strings.Repeat("a", 500)},
		{name: "method ok", kind: KindTestMethod, value: "shouldLogin_2"},
		{name: "method rejects dot", kind: KindTestMethod, value: "should.login", wantRule: "pattern"},
		{name: "method too long", kind: KindTestMethod, value: strings.Repeat("m", 201), wantRule: "max"},
		{name: "tag ok", kind: KindTag, value: "smoke-ui_1"},
		{name: "tag rejects pipe", kind: KindTag, value: "smoke|regression", wantRule: "pattern"},
		{name: "grep wildcard", kind: KindGrep, value: "*Login?Test*"},
		{name: "grep injection", kind: KindGrep, value: "; rm -rf /", wantRule: "pattern"},
		{name: "grep subshell", kind: KindGrep, value: "$(whoami)", wantRule: "pattern"},
		{name: "suite ok", kind: KindSuite, value: "Regression"},
		{name: "suite with slash", kind: KindSuite, value: "../etc", wantRule: "pattern"},
		{name: "param key ok", kind: KindParamKey, value: "browser.name"},
		{name: "param key with space", kind: KindParamKey, value: "browser name", wantRule: "pattern"},
		{name: "param value empty allowed", kind: KindParamValue, value: ""},
		{name: "param value backtick", kind: KindParamValue, value: "`id`", wantRule: "pattern"},
		{name: "execution id ok", kind: KindExecutionID, value: "nightly-2026.10.19_1"},
		{name: "execution id active", kind: KindExecutionID, value: "active", wantRule: "reserved"},
		{name: "execution id recent", kind: KindExecutionID, value: " recent ", wantRule: "reserved"},
		{name: "execution id submit route", kind: KindExecutionID, value: "tags", wantRule: "reserved"},
		{name: "execution id parent dir", kind: KindExecutionID, value: "..", wantRule: "reserved"},
		{name: "execution id prefix of reserved", kind: KindExecutionID, value: "active-1"},
		{name: "unknown kind", kind: Kind("shell"), value: "x", wantRule: "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Value(tt.kind, tt.value)
			if tt.wantRule == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))

			var ie *InvalidInputError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.wantRule, ie.Rule)
			assert.Equal(t, string(tt.kind), ie.Field)
			assert.NotEmpty(t, ie.Reason)
		})
	}
}

func TestTags(t *testing.T) {
	require.NoError(t, Tags([]string{"smoke", "regression"}))

	err := Tags(nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	many := make([]string, MaxTags+1)
	for i := range many {
		many[i] = "t"
	}

	err = Tags(many)
	require.ErrorIs(t, err, ErrInvalidInput)

	var ie *InvalidInputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "max", ie.Rule)

	err = Tags([]string{"smoke", "bad tag"})
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "tags[1]", ie.Field)
	assert.Contains(t, err.Error(), "tags[1]")
}

func TestParameter(t *testing.T) {
	require.NoError(t, Parameter("env", "stage"))
	require.ErrorIs(t, Parameter("env", "stage; reboot"), ErrInvalidInput)
	require.ErrorIs(t, Parameter("", "x"), ErrInvalidInput)
}
