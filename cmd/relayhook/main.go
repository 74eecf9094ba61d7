// relayhook is the agent-side hook binary. It reads the hook event from
// stdin, notifies the relay, waits for the operator's reply, and prints a
// block decision when the operator wants the task to continue.
//
// Every failure exits 0 with no output so the agent is never blocked by a
// relay outage.
package main

import (
	"context"
	"encoding/json"
	"os"

	"relaybot/internal/hookclient"
)

func main() {
	if hookclient.Disabled() {
		return
	}

	var ev hookclient.Event
	if err := json.NewDecoder(os.Stdin).Decode(&ev); err != nil {
		return
	}
	// Re-entrancy guard: a Stop fired by our own block decision must not
	// loop back into another notify.
	if ev.StopHookActive {
		return
	}
	if ev.SessionID == "" {
		return
	}

	cfg := hookclient.ConfigFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.PollTimeout+cfg.PollInterval)
	defer cancel()

	decision, err := hookclient.New(cfg).Run(ctx, ev)
	if err != nil || decision == nil {
		return
	}
	_ = json.NewEncoder(os.Stdout).Encode(decision)
}
