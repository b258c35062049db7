package cli

import (
	"testing"

	"github.com/Woutah/configurun/internal/codec"
)

func TestEncodeConfig_WrapsInEnvelope(t *testing.T) {
	env, err := encodeConfig([]byte(`{"epochs": 10}`), codec.MapType)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	v, err := codec.NewRegistry().Decode(env)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	m, ok := v.(*map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want *map[string]any", v)
	}
	if (*m)["epochs"] != float64(10) {
		t.Errorf("epochs = %v", (*m)["epochs"])
	}
}

func TestEncodeConfig_RejectsInvalidJSON(t *testing.T) {
	if _, err := encodeConfig([]byte(`{"unclosed"`), codec.MapType); err == nil {
		t.Fatal("invalid JSON accepted")
	}
}

func TestEncodeConfig_RejectsUnknownType(t *testing.T) {
	if _, err := encodeConfig([]byte(`{}`), "train_config"); err == nil {
		t.Fatal("unregistered type name accepted")
	}
}

func TestItemNameFor(t *testing.T) {
	cases := map[string]string{
		"-":                      "stdin",
		"run.json":               "run",
		"/tmp/exp/train.yaml":    "train",
		"noext":                  "noext",
		"/deep/path/model.v2.js": "model.v2",
	}
	for path, want := range cases {
		if got := itemNameFor(path); got != want {
			t.Errorf("itemNameFor(%q) = %q, want %q", path, got, want)
		}
	}
}
