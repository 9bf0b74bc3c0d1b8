package server

import (
	"io"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
)

func TestSiteRegistryLookupByHost(t *testing.T) {
	registry := newTestRegistry(t)

	route, ok := registry.Lookup("farm.local")
	if !ok {
		t.Fatalf("expected farm route")
	}
	if route.Config.Name != "farm" {
		t.Errorf("wrong site returned: %s", route.Config.Name)
	}
	if route.UpstreamURL.Host != "farm-ledger.example" {
		t.Errorf("upstream not parsed: %v", route.UpstreamURL)
	}
	if route.Network == nil || route.Registration == nil {
		t.Fatalf("route must carry network client and registration")
	}
	if route.Controller() != nil {
		t.Fatalf("no worker should control the site before activation")
	}

	for _, host := range []string{"FARM.local", "farm.local:5000", "farm.local."} {
		if _, ok := registry.Lookup(host); !ok {
			t.Errorf("expected lookup to succeed for %s", host)
		}
	}
	if _, ok := registry.Lookup("unknown.local"); ok {
		t.Fatalf("unexpected route for unknown host")
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty host must not match")
	}
}

func TestSiteRegistryListPreservesOrder(t *testing.T) {
	registry := newTestRegistry(t)
	routes := registry.List()
	if len(routes) != 2 || routes[0].Config.Name != "farm" || routes[1].Config.Name != "blog" {
		t.Fatalf("unexpected order: %+v", routes)
	}
	if _, ok := registry.LookupName("blog"); !ok {
		t.Fatalf("expected blog by name")
	}
}

func TestSiteRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Sites[1].Domain = "FARM.local"
	if _, err := NewSiteRegistry(cfg, http.DefaultClient, nil); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestSiteRegistryApplyKeepsRegistration(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	registry, err := NewSiteRegistry(testConfig(5000), http.DefaultClient, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, _ := registry.LookupName("farm")

	next := testConfig(5000)
	next.Sites[0].Domain = "ledger.local"
	next.Sites = append(next.Sites[:1], config.SiteConfig{
		Name:         "wiki",
		Domain:       "wiki.local",
		Upstream:     "https://wiki.example",
		CacheVersion: "wiki-v1",
	})
	if err := registry.Apply(next); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	after, ok := registry.Lookup("ledger.local")
	if !ok {
		t.Fatalf("expected new domain to be routed")
	}
	if after.Registration != before.Registration {
		t.Fatalf("registration must survive reload")
	}
	if _, ok := registry.Lookup("farm.local"); ok {
		t.Fatalf("old domain must be dropped")
	}
	if _, ok := registry.LookupName("blog"); ok {
		t.Fatalf("removed site must be dropped")
	}
	if _, ok := registry.LookupName("wiki"); !ok {
		t.Fatalf("added site must be routed")
	}
}

func TestSiteRegistryApplyFailureKeepsRoutes(t *testing.T) {
	registry := newTestRegistry(t)
	broken := testConfig(5000)
	broken.Sites[0].Upstream = "://bad"
	if err := registry.Apply(broken); err == nil {
		t.Fatalf("expected apply error")
	}
	if _, ok := registry.Lookup("farm.local"); !ok {
		t.Fatalf("previous routes must remain after failed apply")
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]struct {
		host string
		port int
	}{
		"farm.local":      {"farm.local", 0},
		"Farm.Local:8080": {"farm.local", 8080},
		"[::1]:5000":      {"::1", 5000},
		" farm.local.  ":  {"farm.local", 0},
		"":                {"", 0},
	}
	for raw, want := range cases {
		host, port := normalizeHost(raw)
		if host != want.host || port != want.port {
			t.Errorf("normalizeHost(%q) = %q,%d want %q,%d", raw, host, port, want.host, want.port)
		}
	}
}
