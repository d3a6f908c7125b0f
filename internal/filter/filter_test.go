package filter

import (
	"net/http"
	"net/netip"
	"strings"
	"testing"

	"github.com/envoyproxy/envoy/contrib/golang/common/go/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naxsi-waf/internal/arena"
	"naxsi-waf/internal/config"
	"naxsi-waf/internal/logger"
)

const coreRules = `
MainRule "str:select" "msg:sql keyword" "mz:ARGS|BODY" "s:$SQL:8" id:1000;
MainRule "str:<script" "msg:html tag" "mz:ARGS|BODY" "s:$XSS:8" id:1302;
`

type fakeHeaders struct {
	api.RequestHeaderMap
	method, path, host string
	pairs              [][2]string
}

func (h *fakeHeaders) Get(key string) (string, bool) {
	for _, p := range h.pairs {
		if p[0] == key {
			return p[1], true
		}
	}
	return "", false
}

func (h *fakeHeaders) Range(f func(key, value string) bool) {
	for _, p := range h.pairs {
		if !f(p[0], p[1]) {
			return
		}
	}
}

func (h *fakeHeaders) Method() string { return h.method }
func (h *fakeHeaders) Path() string   { return h.path }
func (h *fakeHeaders) Host() string   { return h.host }

type localReply struct {
	status  int
	headers map[string][]string
	details string
}

type fakeCallbacks struct {
	api.FilterCallbackHandler
	remote  string
	logs    map[api.LogType][]string
	replies []localReply
}

func newCallbacks(remote string) *fakeCallbacks {
	return &fakeCallbacks{remote: remote, logs: map[api.LogType][]string{}}
}

func (c *fakeCallbacks) Log(level api.LogType, msg string) {
	c.logs[level] = append(c.logs[level], msg)
}

func (c *fakeCallbacks) StreamInfo() api.StreamInfo {
	return fakeStreamInfo{remote: c.remote}
}

func (c *fakeCallbacks) DecoderFilterCallbacks() api.DecoderFilterCallbacks {
	return fakeDecoder{c: c}
}

func (c *fakeCallbacks) naxsiLines() []string {
	var out []string
	for _, l := range c.logs[api.Error] {
		if strings.HasPrefix(l, "NAXSI_") {
			out = append(out, l)
		}
	}
	return out
}

type fakeStreamInfo struct {
	api.StreamInfo
	remote string
}

func (s fakeStreamInfo) DownstreamRemoteAddress() string { return s.remote }

type fakeDecoder struct {
	api.DecoderFilterCallbacks
	c *fakeCallbacks
}

func (d fakeDecoder) SendLocalReply(status int, body string, headers map[string][]string, grpc int64, details string) {
	d.c.replies = append(d.c.replies, localReply{status: status, headers: headers, details: details})
}

type fakeBuffer struct {
	api.BufferInstance
	data []byte
}

func (b fakeBuffer) Bytes() []byte { return b.data }
func (b fakeBuffer) Len() int      { return len(b.data) }

func load(t *testing.T, values map[string]interface{}) *config.Configuration {
	t.Helper()
	c, err := config.Parser{}.Load(values)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func newFilter(t *testing.T, c *config.Configuration, remote string) (*Filter, *fakeCallbacks) {
	t.Helper()
	callbacks := newCallbacks(remote)
	return &Filter{
		Callbacks: callbacks,
		Config:    *c,
		Logger:    logger.BuildLoggerMessage(c.LogFormat),
	}, callbacks
}

func enforcing(t *testing.T, extra string) *config.Configuration {
	return load(t, map[string]interface{}{
		"main":     coreRules,
		"location": "SecRulesEnabled;\nCheckRule \"$SQL >= 8\" BLOCK;\nCheckRule \"$XSS >= 8\" BLOCK;\n" + extra,
	})
}

func get(path string, pairs ...[2]string) *fakeHeaders {
	return &fakeHeaders{method: "GET", path: path, host: "shop.example:8080", pairs: pairs}
}

func TestCleanRequestPasses(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	status := f.DecodeHeaders(get("/search?q=shoes"), true)
	assert.Equal(t, api.Continue, status)
	assert.Empty(t, cb.replies)
	assert.Empty(t, cb.naxsiLines())
}

func TestAttackInArgsIsDenied(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	status := f.DecodeHeaders(get("/search?q=select"), true)
	assert.Equal(t, api.LocalReply, status)
	require.Len(t, cb.replies, 1)
	assert.Equal(t, http.StatusForbidden, cb.replies[0].status)
	assert.Equal(t, localReplyDetails, cb.replies[0].details)
	assert.NotContains(t, cb.replies[0].headers, DeniedURLHeader)

	lines := cb.naxsiLines()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "NAXSI_FMT: ip=203.0.113.7&server=shop.example&rid="), lines[0])
	assert.Contains(t, lines[0], "&mode=block&cscore0=$SQL&score0=8&zone=ARGS&id=1000&var_name=q")
	assert.NotEmpty(t, cb.logs[api.Info])
}

func TestDeniedURLHeader(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, "DeniedUrl /RequestDenied;"), "203.0.113.7:51000")
	assert.Equal(t, api.LocalReply, f.DecodeHeaders(get("/?a=%3Cscript"), true))
	require.Len(t, cb.replies, 1)
	assert.Equal(t, []string{"/RequestDenied"}, cb.replies[0].headers[DeniedURLHeader])
}

func TestBodyIsBufferedThenInspected(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	headers := &fakeHeaders{method: "POST", path: "/login", host: "shop.example",
		pairs: [][2]string{{"content-type", "application/x-www-form-urlencoded"}}}

	assert.Equal(t, api.StopAndBuffer, f.DecodeHeaders(headers, false))
	assert.Equal(t, api.StopAndBuffer, f.DecodeData(fakeBuffer{data: []byte("user=a")}, false))
	assert.Empty(t, cb.replies)

	assert.Equal(t, api.LocalReply, f.DecodeData(fakeBuffer{data: []byte("user=a&pass=select")}, true))
	require.Len(t, cb.replies, 1)
	assert.Contains(t, cb.naxsiLines()[0], "zone=BODY&id=1000&var_name=pass")

	// further data after the decision is not inspected again
	assert.Equal(t, api.Continue, f.DecodeData(fakeBuffer{}, true))
	assert.Len(t, cb.replies, 1)
}

func TestCleanBodyPasses(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	headers := &fakeHeaders{method: "POST", path: "/login", host: "shop.example",
		pairs: [][2]string{{"content-type", "application/x-www-form-urlencoded"}}}
	assert.Equal(t, api.StopAndBuffer, f.DecodeHeaders(headers, false))
	assert.Equal(t, api.Continue, f.DecodeData(fakeBuffer{data: []byte("user=alice")}, true))
	assert.Empty(t, cb.replies)
}

func TestTrailersEndTheStream(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	headers := &fakeHeaders{method: "POST", path: "/login", host: "shop.example",
		pairs: [][2]string{{"content-type", "application/x-www-form-urlencoded"}}}

	assert.Equal(t, api.StopAndBuffer, f.DecodeHeaders(headers, false))
	assert.Equal(t, api.StopAndBuffer, f.DecodeData(fakeBuffer{data: []byte("user=a&pass=select")}, false))
	assert.Equal(t, api.LocalReply, f.DecodeTrailers(nil))
	require.Len(t, cb.replies, 1)
	assert.Contains(t, cb.naxsiLines()[0], "zone=BODY&id=1000&var_name=pass")

	f, cb = newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	assert.Equal(t, api.StopAndBuffer, f.DecodeHeaders(headers, false))
	assert.Equal(t, api.StopAndBuffer, f.DecodeData(fakeBuffer{data: []byte("user=alice")}, false))
	assert.Equal(t, api.Continue, f.DecodeTrailers(nil))
	assert.Empty(t, cb.replies)

	f, cb = newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	assert.Equal(t, api.LocalReply, f.DecodeTrailers(nil))
	assert.Len(t, cb.replies, 1)
}

func TestHeadersDenyBeforeBody(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	assert.Equal(t, api.LocalReply, f.DecodeHeaders(get("/?q=select"), false))
	require.Len(t, cb.replies, 1)
	assert.Len(t, cb.naxsiLines(), 1)

	assert.Equal(t, api.Continue, f.DecodeData(fakeBuffer{data: []byte("x")}, false))
	assert.Equal(t, api.Continue, f.DecodeTrailers(nil))
	assert.Len(t, cb.replies, 1, "one decision per request")
}

func TestLearningModeLogsButPasses(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, "LearningMode;"), "203.0.113.7:51000")
	assert.Equal(t, api.Continue, f.DecodeHeaders(get("/?q=select"), true))
	assert.Empty(t, cb.replies)
	lines := cb.naxsiLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "&mode=learning")
}

func TestExtensiveLog(t *testing.T) {
	c := load(t, map[string]interface{}{
		"main":          coreRules,
		"location":      "SecRulesEnabled;\nCheckRule \"$SQL >= 8\" BLOCK;",
		"extensive_log": true,
		"log_format":    "json",
	})
	f, cb := newFilter(t, c, "203.0.113.7:51000")
	assert.Equal(t, api.LocalReply, f.DecodeHeaders(get("/?q=select"), true))
	lines := cb.logs[api.Error]
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"ip":"203.0.113.7"`)
	assert.Contains(t, lines[0], `"match":[{"zone":"ARGS","id":1000,"var_name":"q"}]`)
	assert.Contains(t, lines[1], `"content":"select"`)
}

func TestDisabledLocationSkipsInspection(t *testing.T) {
	c := load(t, map[string]interface{}{"main": coreRules, "location": "SecRulesDisabled;"})
	f, cb := newFilter(t, c, "203.0.113.7:51000")
	assert.Equal(t, api.Continue, f.DecodeHeaders(get("/?q=select"), false))
	assert.Equal(t, api.Continue, f.DecodeData(fakeBuffer{data: []byte("x")}, true))
	assert.Empty(t, cb.replies)
	assert.Empty(t, cb.naxsiLines())
}

func TestIgnoredClientPasses(t *testing.T) {
	c := enforcing(t, "IgnoreCIDR 198.51.100.0/24;")

	f, cb := newFilter(t, c, "198.51.100.20:4000")
	assert.Equal(t, api.Continue, f.DecodeHeaders(get("/?q=select"), true))
	assert.Empty(t, cb.replies)
	assert.Contains(t, cb.naxsiLines()[0], "&mode=ignore")

	f, cb = newFilter(t, c, "10.0.0.1:4000")
	assert.Equal(t, api.LocalReply, f.DecodeHeaders(get("/?q=select"), true))
	assert.Len(t, cb.replies, 1)
}

func TestForwardedForNeedsTrust(t *testing.T) {
	xff := [2]string{"x-forwarded-for", "198.51.100.9, 10.0.0.1"}

	f, cb := newFilter(t, enforcing(t, "IgnoreCIDR 198.51.100.0/24;"), "10.0.0.1:4000")
	assert.Equal(t, api.LocalReply, f.DecodeHeaders(get("/?q=select", xff), true))
	require.Len(t, cb.replies, 1, "a client cannot put itself on the ignore list")
	assert.True(t, strings.HasPrefix(cb.naxsiLines()[0], "NAXSI_FMT: ip=10.0.0.1&"))

	c := load(t, map[string]interface{}{
		"main": coreRules,
		"location": `SecRulesEnabled;
CheckRule "$SQL >= 8" BLOCK;
IgnoreCIDR 198.51.100.0/24;`,
		"trust_forwarded_for": true,
	})
	f, cb = newFilter(t, c, "10.0.0.1:4000")
	assert.Equal(t, api.Continue, f.DecodeHeaders(get("/?q=select", xff), true))
	assert.Empty(t, cb.replies)
	assert.True(t, strings.HasPrefix(cb.naxsiLines()[0], "NAXSI_FMT: ip=198.51.100.9&"))
}

func TestReleasedConfigurationFailsClosed(t *testing.T) {
	c, err := config.Parser{}.Load(map[string]interface{}{"location": "SecRulesEnabled;"})
	require.NoError(t, err)
	f, cb := newFilter(t, c, "203.0.113.7:51000")
	c.Destroy()

	assert.Equal(t, api.LocalReply, f.DecodeHeaders(get("/"), true))
	require.Len(t, cb.replies, 1)
	assert.Equal(t, http.StatusForbidden, cb.replies[0].status)
	require.NotEmpty(t, cb.logs[api.Error])
	assert.Contains(t, cb.logs[api.Error][0], arena.ErrReleased.Error())
}

func TestDataWithoutHeadersFailsClosed(t *testing.T) {
	f, cb := newFilter(t, enforcing(t, ""), "203.0.113.7:51000")
	assert.Equal(t, api.LocalReply, f.DecodeData(fakeBuffer{data: []byte("x")}, true))
	assert.Len(t, cb.replies, 1)
}

func TestDecide(t *testing.T) {
	c := enforcing(t, "DeniedUrl /blocked;")
	main, loc, err := c.Scopes()
	require.NoError(t, err)
	require.NotNil(t, main)
	require.NotNil(t, loc)

	d := Decide(c, buildRequest(get("/?q=select"), "192.0.2.1:1", c))
	assert.Equal(t, Deny, d.Outcome)
	assert.Equal(t, "deny", d.Outcome.String())
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Equal(t, []string{"/blocked"}, d.Headers[DeniedURLHeader])
	assert.NoError(t, d.Err)

	d = Decide(c, buildRequest(get("/?q=hello"), "192.0.2.1:1", c))
	assert.Equal(t, Pass, d.Outcome)
	assert.Nil(t, d.Headers)

	d = Decide(c, nil)
	assert.Equal(t, Deny, d.Outcome)
	assert.Error(t, d.Err)
	assert.Nil(t, d.Verdict)
}

func TestBuildRequest(t *testing.T) {
	headers := &fakeHeaders{
		method: "PUT",
		path:   "/a?b=c",
		host:   "[2001:db8::1]:443",
		pairs: [][2]string{
			{":authority", "[2001:db8::1]:443"},
			{"user-agent", "curl"},
			{"x-request-id", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		},
	}
	req := buildRequest(headers, "[2001:db8::2]:9000", &config.Configuration{RequestIDHeader: "x-request-id"})
	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "/a?b=c", req.URI)
	assert.Equal(t, "2001:db8::1", req.Server)
	assert.Equal(t, "6ba7b8109dad11d180b400c04fd430c8", req.ID)
	assert.Equal(t, netip.MustParseAddr("2001:db8::2"), req.Client)
	assert.Equal(t, "curl", req.Header("user-agent"))
	assert.Equal(t, "", req.Header(":authority"))
}

func TestRequestID(t *testing.T) {
	generated := requestID("not-a-uuid")
	assert.Len(t, generated, 32)
	assert.NotEqual(t, generated, requestID(""))
	assert.Equal(t, "0123456789abcdef0123456789abcdef", requestID("0123456789abcdef0123456789abcdef"))
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		xff    string
		remote string
		trust  bool
		want   string
	}{
		{"", "203.0.113.7:51000", true, "203.0.113.7"},
		{"", "[::1]:80", true, "::1"},
		{"", "192.0.2.5", true, "192.0.2.5"},
		{"198.51.100.1", "10.0.0.1:1", true, "198.51.100.1"},
		{"198.51.100.1", "10.0.0.1:1", false, "10.0.0.1"},
		{" 198.51.100.1 , 10.0.0.2", "10.0.0.1:1", true, "198.51.100.1"},
		{"garbage", "10.0.0.1:1", true, "10.0.0.1"},
		{"", "::ffff:10.1.2.3", false, "10.1.2.3"},
	}
	for _, tt := range tests {
		h := get("/")
		if tt.xff != "" {
			h.pairs = append(h.pairs, [2]string{forwardedForHeader, tt.xff})
		}
		assert.Equal(t, tt.want, clientAddr(h, tt.remote, tt.trust).String(), tt)
	}
	assert.False(t, clientAddr(get("/"), "pipe:/tmp/sock", true).IsValid())
}

func TestServerName(t *testing.T) {
	assert.Equal(t, "example.com", serverName("example.com"))
	assert.Equal(t, "example.com", serverName("example.com:8443"))
	assert.Equal(t, "::1", serverName("[::1]:80"))
	assert.Equal(t, "", serverName(""))
}

func TestPhaseNames(t *testing.T) {
	assert.Equal(t, "request_header", PhaseRequestHeader.String())
	assert.Equal(t, "request_body", PhaseRequestBody.String())
	assert.Equal(t, "request_trailer", PhaseRequestTrailer.String())
	assert.Equal(t, "unknown", PhaseUnknown.String())
}
