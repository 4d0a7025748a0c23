package main

import (
	"testing"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/mixer"
	"github.com/ethanfield/compositor-core/internal/queue"
	"github.com/ethanfield/compositor-core/internal/render"
	"github.com/ethanfield/compositor-core/pkg/config"
)

func TestParseOverflowPolicy(t *testing.T) {
	if p, err := parseOverflowPolicy(""); err != nil || p != queue.BlockOnFull {
		t.Fatalf("empty string: got %v, %v", p, err)
	}
	if p, err := parseOverflowPolicy("block"); err != nil || p != queue.BlockOnFull {
		t.Fatalf("\"block\": got %v, %v", p, err)
	}
	if p, err := parseOverflowPolicy("drop"); err != nil || p != queue.DropOnFull {
		t.Fatalf("\"drop\": got %v, %v", p, err)
	}
	if _, err := parseOverflowPolicy("bogus"); err == nil {
		t.Fatal("expected error for invalid overflow policy")
	}
}

func TestParseMixerStrategy(t *testing.T) {
	if s, err := parseMixerStrategy(""); err != nil || s != mixer.SumClip {
		t.Fatalf("empty string: got %v, %v", s, err)
	}
	if s, err := parseMixerStrategy("sum_scale"); err != nil || s != mixer.SumScale {
		t.Fatalf("\"sum_scale\": got %v, %v", s, err)
	}
	if _, err := parseMixerStrategy("bogus"); err == nil {
		t.Fatal("expected error for invalid mixer strategy")
	}
}

func TestParseChannels(t *testing.T) {
	if parseChannels("mono") != frame.Mono {
		t.Fatal("expected mono")
	}
	if parseChannels("stereo") != frame.Stereo {
		t.Fatal("expected stereo")
	}
	if parseChannels("") != frame.Stereo {
		t.Fatal("expected stereo as default")
	}
}

func TestParseEndCondition(t *testing.T) {
	cond, err := parseEndCondition("any_of", []string{"cam1", "cam2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cond.Kind != queue.AnyOf || len(cond.Inputs) != 2 {
		t.Fatalf("unexpected condition: %+v", cond)
	}

	if cond, err := parseEndCondition("", nil); err != nil || cond.Kind != queue.Never {
		t.Fatalf("default: got %+v, %v", cond, err)
	}

	if _, err := parseEndCondition("bogus", nil); err == nil {
		t.Fatal("expected error for invalid end condition kind")
	}
}

func TestDefaultSceneSingleInput(t *testing.T) {
	inputs := []config.InputConfig{{ID: "cam1"}}
	res := frame.Resolution{Width: 640, Height: 480}

	root := defaultScene(inputs, res, "")
	if root.Kind != render.NodeInput || root.InputID != "cam1" {
		t.Fatalf("expected single NodeInput for cam1, got %+v", root)
	}
}

func TestDefaultSceneMultipleInputsTiles(t *testing.T) {
	inputs := []config.InputConfig{{ID: "cam1"}, {ID: "cam2"}}
	res := frame.Resolution{Width: 640, Height: 480}

	root := defaultScene(inputs, res, "")
	if root.Kind != render.NodeTiles || len(root.Children) != 2 {
		t.Fatalf("expected NodeTiles with 2 children, got %+v", root)
	}
}

func TestDefaultSceneForcedSingleLayout(t *testing.T) {
	inputs := []config.InputConfig{{ID: "cam1"}, {ID: "cam2"}}
	res := frame.Resolution{Width: 640, Height: 480}

	root := defaultScene(inputs, res, "single")
	if root.Kind != render.NodeInput || root.InputID != "cam1" {
		t.Fatalf("expected forced single NodeInput for cam1, got %+v", root)
	}
}

func TestDefaultSceneNoInputs(t *testing.T) {
	if root := defaultScene(nil, frame.Resolution{}, ""); root != nil {
		t.Fatalf("expected nil root for zero inputs, got %+v", root)
	}
}
