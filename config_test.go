package privaxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigurationRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privaxy.yaml")

	want := Configuration{
		Filters: []Filter{
			{Enabled: true, Title: "EasyList", Group: FilterGroupAds, URL: "https://example.com/easylist.txt"},
			{Enabled: false, Title: "Social", Group: FilterGroupSocial, URL: "https://example.com/social.txt"},
		},
		CustomFilters: "||custom.example^\n",
		Exclusions:    []string{"a.example", "b.example"},
	}

	if err := WriteConfiguration(path, want); err != nil {
		t.Fatalf("WriteConfiguration: %v", err)
	}

	got, err := ReadConfiguration(path)
	if err != nil {
		t.Fatalf("ReadConfiguration: %v", err)
	}

	if len(got.Filters) != 2 {
		t.Fatalf("want 2 filters, got %d", len(got.Filters))
	}
	for i := range want.Filters {
		if got.Filters[i] != want.Filters[i] {
			t.Errorf("filter %d: want %+v, got %+v", i, want.Filters[i], got.Filters[i])
		}
	}
	if got.CustomFilters != want.CustomFilters {
		t.Errorf("want custom filters %q, got %q", want.CustomFilters, got.CustomFilters)
	}
	if len(got.Exclusions) != 2 {
		t.Errorf("want 2 exclusions, got %v", got.Exclusions)
	}
}

func TestWriteConfigurationLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "privaxy.yaml")

	if err := WriteConfiguration(path, DefaultConfiguration()); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "privaxy.yaml" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("want only privaxy.yaml, got %v", names)
	}
}

func TestReadConfigurationMissingFile(t *testing.T) {
	_, err := ReadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestConfigurationClone(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Exclusions = []string{"a.example"}

	clone := cfg.Clone()
	clone.Filters[0].Title = "mutated"
	clone.Exclusions[0] = "mutated.example"

	if cfg.Filters[0].Title == "mutated" {
		t.Error("want filters deep-copied")
	}
	if cfg.Exclusions[0] == "mutated.example" {
		t.Error("want exclusions deep-copied")
	}
}

func TestFilterGroupValid(t *testing.T) {
	tests := []struct {
		group FilterGroup
		want  bool
	}{
		{FilterGroupAds, true},
		{FilterGroupPrivacy, true},
		{FilterGroupMalware, true},
		{FilterGroupSocial, true},
		{FilterGroup("gambling"), false},
		{FilterGroup(""), false},
	}

	for _, tt := range tests {
		if got := tt.group.Valid(); got != tt.want {
			t.Errorf("Valid(%q): want %v, got %v", tt.group, tt.want, got)
		}
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.API.Bind == "" {
		t.Error("want default API bind")
	}
	if s.ConfigurationPath == "" {
		t.Error("want default configuration path")
	}
	if s.FilterFetchTimeout <= 0 {
		t.Error("want positive fetch timeout")
	}
}

func TestLoadSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
api:
  bind: "0.0.0.0:9900"
  advertised_host: "192.168.1.5:9900"
logging:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	if s.API.Bind != "0.0.0.0:9900" {
		t.Errorf("want bind from file, got %q", s.API.Bind)
	}
	if s.API.AdvertisedHost != "192.168.1.5:9900" {
		t.Errorf("want advertised host from file, got %q", s.API.AdvertisedHost)
	}
	if s.Logging.Level != "debug" {
		t.Errorf("want debug level, got %q", s.Logging.Level)
	}
	// Unset keys keep their defaults.
	if s.WebGUI.Bind != DefaultSettings().WebGUI.Bind {
		t.Errorf("want default web gui bind, got %q", s.WebGUI.Bind)
	}
}

func TestLoadSettingsAdvertisedHostDefaultsToBind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("api:\n  bind: \"10.0.0.1:8200\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.API.AdvertisedHost != "10.0.0.1:8200" {
		t.Errorf("want advertised host to default to bind, got %q", s.API.AdvertisedHost)
	}
}

func TestWriteExampleSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privaxy-server.yaml")

	if err := WriteExampleSettings(path); err != nil {
		t.Fatalf("WriteExampleSettings: %v", err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("example settings must parse: %v", err)
	}
	if !strings.Contains(s.API.Bind, ":") {
		t.Errorf("want host:port bind, got %q", s.API.Bind)
	}
}
