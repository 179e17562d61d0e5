package vad

import "testing"

func loudFrame(n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = 2000
	}
	return f
}

func quietFrame(n int) []int16 {
	return make([]int16, n) // all zeros
}

func TestClassifyEntersOnLoudFrame(t *testing.T) {
	d := NewDetector(Config{EnterThreshold: 500, ExitThreshold: 300, MinUnvoiceFrames: 3})

	if d.Classify(quietFrame(320)) {
		t.Fatal("quiet frame should not be voiced before any speech")
	}
	if !d.Classify(loudFrame(320)) {
		t.Fatal("loud frame should be voiced")
	}
}

func TestClassifyHoldsVoicedThroughHysteresis(t *testing.T) {
	d := NewDetector(Config{EnterThreshold: 500, ExitThreshold: 300, MinUnvoiceFrames: 3})

	d.Classify(loudFrame(320))
	// Two quiet frames: not yet enough to exit.
	if !d.Classify(quietFrame(320)) {
		t.Fatal("should remain voiced after 1 quiet frame")
	}
	if !d.Classify(quietFrame(320)) {
		t.Fatal("should remain voiced after 2 quiet frames")
	}
	// Third consecutive quiet frame crosses MinUnvoiceFrames.
	if d.Classify(quietFrame(320)) {
		t.Fatal("should exit voiced state after 3 consecutive quiet frames")
	}
}

func TestClassifyLoudFrameResetsHysteresisCounter(t *testing.T) {
	d := NewDetector(Config{EnterThreshold: 500, ExitThreshold: 300, MinUnvoiceFrames: 3})

	d.Classify(loudFrame(320))
	d.Classify(quietFrame(320))
	d.Classify(quietFrame(320))
	// A loud frame in between resets the quiet counter.
	if !d.Classify(loudFrame(320)) {
		t.Fatal("loud frame should keep state voiced")
	}
	if !d.Classify(quietFrame(320)) {
		t.Fatal("counter should have reset; 1 quiet frame is not enough to exit")
	}
}

func TestResetClearsState(t *testing.T) {
	d := NewDetector(Config{EnterThreshold: 500, ExitThreshold: 300, MinUnvoiceFrames: 3})
	d.Classify(loudFrame(320))
	d.Reset()
	if d.Classify(quietFrame(320)) {
		t.Fatal("after reset, quiet frame should not be voiced")
	}
}
