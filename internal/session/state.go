package session

import (
	"context"

	"github.com/looplab/fsm"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

// Mode records who owns capture while recording.
type Mode string

const (
	ModeNone Mode = ""
	// ModePush is driven by FeedAudio from the caller.
	ModePush Mode = "push"
	// ModePull is driven by the session's own capture loop.
	ModePull Mode = "pull"
)

const (
	eventStart  = "start"
	eventStop   = "stop"
	eventFinish = "finish"
	eventFail   = "fail"
)

func newStateMachine(onEnter func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateIdle)}, Dst: string(StateRecording)},
			{Name: eventStop, Src: []string{string(StateRecording)}, Dst: string(StateStopping)},
			{Name: eventFinish, Src: []string{string(StateStopping)}, Dst: string(StateIdle)},
			{Name: eventFail, Src: []string{string(StateRecording), string(StateStopping)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(e.Src, e.Dst)
				}
			},
		},
	)
}
