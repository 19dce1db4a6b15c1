package validate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitializeEnabledByDefault(t *testing.T) {
	v := New()
	if !v.Enabled("initialize") {
		t.Fatal("expected initialize to be validated by default")
	}
	if v.Enabled("textDocument/hover") {
		t.Fatal("expected unknown method to be unvalidated by default")
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	v := New()
	params, _ := json.Marshal(map[string]interface{}{
		"registrations": []map[string]interface{}{
			{"method": "textDocument/didOpen"},
		},
	})

	if err := v.Validate("client/registerCapability", params); err == nil {
		t.Fatal("expected validation error for missing registration id")
	}
}

func TestValidateAcceptsWellFormedParams(t *testing.T) {
	v := New()
	params, _ := json.Marshal(map[string]interface{}{
		"registrations": []map[string]interface{}{
			{"id": "1", "method": "textDocument/didOpen"},
		},
	})

	if err := v.Validate("client/registerCapability", params); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateSkipsUnregisteredMethod(t *testing.T) {
	v := New()
	v.EnableFor("textDocument/hover")
	if err := v.Validate("textDocument/hover", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected no-op for method with no decoder, got %v", err)
	}
}

func TestDisableForOverridesLifecycleDefault(t *testing.T) {
	v := New()
	v.DisableFor("initialize")
	if v.Enabled("initialize") {
		t.Fatal("expected forced-off to win")
	}
}

func TestLoadSchemaDirAppliesToggles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "textDocument_hover.yaml")
	if err := os.WriteFile(path, []byte("enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	v := New()
	if err := LoadSchemaDir(v, dir); err != nil {
		t.Fatalf("load schema dir: %v", err)
	}
	if !v.Enabled("textDocument/hover") {
		t.Fatal("expected schema file to enable textDocument/hover")
	}
}

func TestWatchSchemaDirHotReloadsToggle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "textDocument_hover.yaml")
	if err := os.WriteFile(path, []byte("enabled: false\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	v := New()
	w, err := WatchSchemaDir(v, dir, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if v.Enabled("textDocument/hover") {
		t.Fatal("expected initially disabled")
	}

	if err := os.WriteFile(path, []byte("enabled: true\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v.Enabled("textDocument/hover") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for hot reload")
}
