package jsoncfg

import (
	"path/filepath"
	"testing"
)

type testConfig struct {
	Device     string `json:"device"`
	MaxSpeedHz uint32 `json:"maxSpeedHz"`
}

func TestSaveOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	want := testConfig{
		Device:     "/dev/spidev0.0",
		MaxSpeedHz: 8000000,
	}

	if err := Save(path, &want); err != nil {
		t.Fatal(err)
	}

	var got testConfig
	if err := Open(path, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestOpenRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	if err := Save(path, map[string]any{"device": "/dev/spidev0.0", "bogus": 1}); err != nil {
		t.Fatal(err)
	}

	var got testConfig
	if err := Open(path, &got); err == nil {
		t.Error("Open accepted a config with unknown fields")
	}
}

func TestOpenMissingFile(t *testing.T) {
	var got testConfig
	if err := Open(filepath.Join(t.TempDir(), "nope.json"), &got); err == nil {
		t.Error("Open succeeded on a missing file")
	}
}
