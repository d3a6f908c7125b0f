package main

import (
	"github.com/envoyproxy/envoy/contrib/golang/common/go/api"
	"github.com/envoyproxy/envoy/contrib/golang/filters/http/source/go/pkg/http"

	"naxsi-waf/internal/config"
	"naxsi-waf/internal/filter"
	"naxsi-waf/internal/logger"
)

const PluginName = "naxsi-waf"

func filterFactory(c any, callbacks api.FilterCallbackHandler) api.StreamFilter {
	config, ok := c.(*config.Configuration)
	if !ok {
		panic("unexpected config type")
	}
	return &filter.Filter{
		Callbacks: callbacks,
		Config:    *config,
		Logger:    logger.BuildLoggerMessage(config.LogFormat),
	}
}

func envoyLog(level api.LogType, msg string) {
	switch level {
	case api.Trace:
		api.LogTrace(msg)
	case api.Debug:
		api.LogDebug(msg)
	case api.Info:
		api.LogInfo(msg)
	case api.Warn:
		api.LogWarn(msg)
	case api.Error:
		api.LogError(msg)
	default:
		api.LogCritical(msg)
	}
}

func init() {
	config.LogSink = envoyLog
	http.RegisterHttpFilterFactoryAndConfigParser(PluginName, filterFactory, &config.Parser{})
}

func main() {}
