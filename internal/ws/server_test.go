package ws

import "testing"

// ---------------------------------------------------------------------------
// Test: frame size cap
// ---------------------------------------------------------------------------

func TestFrameTooLarge(t *testing.T) {
	cfg := ServerConfig{MaxFrameBytes: 1024}

	if cfg.frameTooLarge(0) {
		t.Error("empty frame must be allowed")
	}
	if cfg.frameTooLarge(1024) {
		t.Error("frame at the cap must be allowed")
	}
	if !cfg.frameTooLarge(1025) {
		t.Error("frame over the cap must be rejected")
	}
}

func TestFrameTooLarge_UnsetCapAllowsAll(t *testing.T) {
	var cfg ServerConfig
	if cfg.frameTooLarge(1 << 40) {
		t.Error("a zero cap must not reject any frame")
	}
}

func TestDefaultServerConfig_HasFrameCap(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.MaxFrameBytes <= 0 {
		t.Fatal("default config must cap client frame length")
	}
}
