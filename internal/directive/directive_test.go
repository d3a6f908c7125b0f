package directive

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokens(t *testing.T) {
	src := `# core rules
MainRule "str:<script" "msg:xss" "mz:ARGS|BODY" "s:$XSS:8" id:1302;
BasicRule wl:1000 "mz:$ARGS_VAR:q";   # trailing comment
CheckRule "$SQL >= 8" BLOCK;
LearningMode;
BasicRule 'rx:\d+\.php$' "msg:say \"hi\"" mz:URL s:DROP id:1400;
DeniedUrl "";
`
	ds, err := Parse("rules.conf", src)
	require.NoError(t, err)
	require.Len(t, ds, 6)

	assert.Equal(t, Directive{Name: "MainRule", File: "rules.conf", Line: 2,
		Args: []string{"str:<script", "msg:xss", "mz:ARGS|BODY", "s:$XSS:8", "id:1302"}}, ds[0])
	assert.Equal(t, []string{"wl:1000", "mz:$ARGS_VAR:q"}, ds[1].Args)
	assert.Equal(t, []string{"$SQL >= 8", "BLOCK"}, ds[2].Args)
	assert.Equal(t, "LearningMode", ds[3].Name)
	assert.Empty(t, ds[3].Args)
	assert.Equal(t, []string{`rx:\d+\.php$`, `msg:say "hi"`, "mz:URL", "s:DROP", "id:1400"}, ds[4].Args)
	assert.Equal(t, 6, ds[4].Line)
	assert.Equal(t, []string{""}, ds[5].Args)
}

func TestParseMultiline(t *testing.T) {
	ds, err := Parse("x", "MainRule\n  str:a\n  id:1\n;\nSecRulesEnabled;")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, 1, ds[0].Line)
	assert.Equal(t, 5, ds[1].Line)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		src  string
		msg  string
		line int
	}{
		{"SecRulesEnabled", `unexpected end of file, expecting ";" after "SecRulesEnabled"`, 1},
		{"\n;", `unexpected ";"`, 2},
		{`BasicRule "str:a`, "unterminated quoted string", 1},
		{"location / { SecRulesEnabled; }", `unexpected "{", blocks are not supported`, 1},
		{`"MainRule" str:a;`, `directive name "MainRule" cannot be quoted`, 1},
	}
	for _, tt := range tests {
		_, err := Parse("conf", tt.src)
		var derr *Error
		require.ErrorAs(t, err, &derr, tt.src)
		assert.Equal(t, tt.msg, derr.Msg)
		assert.Equal(t, tt.line, derr.Line)
		assert.Equal(t, fmt.Sprintf("%s in conf:%d", tt.msg, tt.line), err.Error())
	}
}

func TestParseInclude(t *testing.T) {
	files := map[string]string{
		"/etc/naxsi/core.rules": "MainRule str:a id:1;\ninclude extra.rules;",
		"/etc/naxsi/extra.rules": "MainRule str:b id:2;",
	}
	load := func(path string) ([]byte, error) {
		if s, ok := files[path]; ok {
			return []byte(s), nil
		}
		return nil, fs.ErrNotExist
	}
	ds, err := Parse("main", "include /etc/naxsi/core.rules;\nSecRulesEnabled;",
		WithLoader(load), WithBaseDir("/etc/naxsi"))
	require.NoError(t, err)
	require.Len(t, ds, 3)
	assert.Equal(t, "/etc/naxsi/core.rules", ds[0].File)
	assert.Equal(t, "/etc/naxsi/extra.rules", ds[1].File)
	assert.Equal(t, "main", ds[2].File)

	_, err = Parse("main", "include missing.rules;", WithLoader(load))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = Parse("main", "include a b;", WithLoader(load))
	assert.EqualError(t, err, `invalid number of arguments in "include" directive in main:1`)
}

func TestParseIncludeDepth(t *testing.T) {
	load := func(string) ([]byte, error) { return []byte("include self;"), nil }
	_, err := Parse("main", "include self;", WithLoader(load))
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Msg, "include nesting deeper than 8")
}

type testConf struct {
	seen []string
}

func testCommands() []Command[*testConf] {
	record := func(c *testConf, d *Directive) error {
		c.seen = append(c.seen, d.Name)
		return nil
	}
	return []Command[*testConf]{
		{Name: "MainRule", Mask: MainConf | OneOrMore, Set: record},
		{Name: "IgnoreIP", Mask: LocConf | Take1, Set: record},
		{Name: "LearningMode", Mask: LocConf | NoArgs, Set: record},
		{Name: "Failing", Mask: LocConf | NoArgs, Set: func(*testConf, *Directive) error {
			return errors.New("naxsi: invalid Failing value: x")
		}},
	}
}

func TestDispatch(t *testing.T) {
	conf := &testConf{}
	ds, err := Parse("loc", "IgnoreIP 10.0.0.1;\nLearningMode;")
	require.NoError(t, err)
	require.NoError(t, Dispatch(testCommands(), LocConf, conf, ds))
	assert.Equal(t, []string{"IgnoreIP", "LearningMode"}, conf.seen)
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		scope Mask
		src   string
		want  string
	}{
		{LocConf, "MainRule str:a;", `"MainRule" directive is not allowed here in loc:1`},
		{MainConf, "LearningMode;", `"LearningMode" directive is not allowed here in loc:1`},
		{LocConf, "IgnoreIP;", `invalid number of arguments in "IgnoreIP" directive in loc:1`},
		{LocConf, "IgnoreIP a b;", `invalid number of arguments in "IgnoreIP" directive in loc:1`},
		{LocConf, "LearningMode on;", `invalid number of arguments in "LearningMode" directive in loc:1`},
		{MainConf, "MainRule;", `invalid number of arguments in "MainRule" directive in loc:1`},
		{LocConf, "\nNoSuch;", `unknown directive "NoSuch" in loc:2`},
		{LocConf, "Failing;", `naxsi: invalid Failing value: x in loc:1`},
	}
	for _, tt := range tests {
		ds, err := Parse("loc", tt.src)
		require.NoError(t, err, tt.src)
		err = Dispatch(testCommands(), tt.scope, &testConf{}, ds)
		assert.EqualError(t, err, tt.want)
	}

	assert.Error(t, Dispatch(testCommands(), MainConf|NoArgs, &testConf{}, nil))
}

func TestDispatchStopsAtFirstError(t *testing.T) {
	conf := &testConf{}
	ds, err := Parse("loc", "LearningMode;\nNoSuch;\nIgnoreIP 10.0.0.1;")
	require.NoError(t, err)
	err = Dispatch(testCommands(), LocConf, conf, ds)
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Equal(t, []string{"LearningMode"}, conf.seen)
}
