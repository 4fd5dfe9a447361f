package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg, problems := Load("api", 8080)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.SnapshotEvery != 100 {
		t.Fatalf("expected default snapshot cadence 100, got %d", cfg.SnapshotEvery)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("SNAPSHOT_EVERY_EVENTS", "lots")
	_, problems := Load("api", 8080)
	if len(problems) == 0 {
		t.Fatalf("expected problem for non-integer SNAPSHOT_EVERY_EVENTS")
	}
}

func TestJWKSURLDefaultsFromIssuer(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("OIDC_ISSUER", "https://auth.example.com/realms/portal/")
	cfg, _ := Load("api", 8080)
	want := "https://auth.example.com/realms/portal/.well-known/jwks.json"
	if cfg.OIDCJWKSURL != want {
		t.Fatalf("expected %q, got %q", want, cfg.OIDCJWKSURL)
	}
}
