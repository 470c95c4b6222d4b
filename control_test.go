package netconfd

import "testing"

func TestControlStopWinsOverRestart(t *testing.T) {
	t.Parallel()

	var c controlCell
	if !c.requestRestart() {
		t.Fatal("restart from continue should succeed")
	}
	c.requestStop()
	if c.state() != loopStop {
		t.Fatalf("state = %v, want stop", c.state())
	}
	if c.requestRestart() {
		t.Fatal("restart must not overwrite a pending stop")
	}
	if c.resume() {
		t.Fatal("resume must not clear a pending stop")
	}
	if c.state() != loopStop {
		t.Fatalf("state = %v after resume attempt, want stop", c.state())
	}
}

func TestControlResumeClearsRestart(t *testing.T) {
	t.Parallel()

	var c controlCell
	c.requestRestart()
	if !c.resume() {
		t.Fatal("resume from restart should succeed")
	}
	if c.state() != loopContinue {
		t.Fatalf("state = %v, want continue", c.state())
	}
	if c.requestRestart() != true {
		t.Fatal("restart should be accepted again after resume")
	}
}
