package cli

import (
	"testing"

	"github.com/keyzf/vanessa/internal/proxyconfig"
)

func TestBuildUpstreamConfigParsesExplicitFields(t *testing.T) {
	cfg := proxyconfig.Config{Upstream: proxyconfig.UpstreamConfig{HTTP: "http://explicit.internal:3128"}}
	upCfg, err := buildUpstreamConfig(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if upCfg.HTTP == nil || upCfg.HTTP.Host != "explicit.internal:3128" {
		t.Fatalf("got %+v, want the explicit field parsed through", upCfg.HTTP)
	}
}

func TestBuildUpstreamConfigLeavesUnsetFieldsNilForPerRequestResolution(t *testing.T) {
	// The environment is deliberately not consulted here: it is the
	// ClientProxy stage, not buildUpstreamConfig, that resolves
	// HTTP_PROXY/HTTPS_PROXY/ALL_PROXY, fresh on every request.
	t.Setenv("HTTP_PROXY", "http://env.internal:3128")

	upCfg, err := buildUpstreamConfig(proxyconfig.Config{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if upCfg.HTTP != nil || upCfg.HTTPS != nil || upCfg.SOCKS != nil {
		t.Fatalf("got %+v, want unset fields left nil", upCfg)
	}
}
