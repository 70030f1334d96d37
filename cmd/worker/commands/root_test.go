package commands

import (
	"context"
	"encoding/base64"
	"testing"
)

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand("v0.0.0-test", "abc123", "2026-01-01")
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "test", "docgen"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q to be registered", want)
		}
	}
}

func TestExecuteWithUnknownSubcommandFails(t *testing.T) {
	root := newRootCommand("v0.0.0-test", "abc123", "2026-01-01")
	root.SetArgs([]string{"not-a-real-subcommand"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected an error for an unknown subcommand")
	}
}

func TestDecodeExpressionAcceptsJSONStringAndBareString(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("wasm-bytes"))

	quoted := []byte(`"` + payload + `"`)
	got, err := decodeExpression(quoted)
	if err != nil {
		t.Fatalf("decode quoted: %v", err)
	}
	if string(got) != "wasm-bytes" {
		t.Fatalf("want wasm-bytes, got %q", got)
	}

	bare := []byte(payload)
	got2, err := decodeExpression(bare)
	if err != nil {
		t.Fatalf("decode bare: %v", err)
	}
	if string(got2) != "wasm-bytes" {
		t.Fatalf("want wasm-bytes, got %q", got2)
	}
}
