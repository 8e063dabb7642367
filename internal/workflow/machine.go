package workflow

import (
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	eventLoad    = "load"
	eventProcess = "process"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventClose   = "close"
)

func newMachine(logger *zap.Logger) *fsm.FSM {
	idle, loaded, processing, done := string(PhaseIdle), string(PhaseLoaded), string(PhaseProcessing), string(PhaseDone)
	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventLoad, Src: []string{idle, loaded, processing, done}, Dst: loaded},
			{Name: eventProcess, Src: []string{loaded}, Dst: processing},
			{Name: eventSucceed, Src: []string{processing}, Dst: done},
			{Name: eventFail, Src: []string{processing}, Dst: loaded},
			{Name: eventClose, Src: []string{idle, loaded, processing, done}, Dst: idle},
		},
		fsm.Callbacks{
			"after_event": func(e *fsm.Event) {
				if e.Src != e.Dst {
					logger.Debug("workflow transition",
						zap.String("event", e.Event),
						zap.String("from", e.Src),
						zap.String("to", e.Dst),
					)
				}
			},
		},
	)
}

// fire applies event; a self-transition (e.g. loading over a loaded image) is not an error.
func fire(machine *fsm.FSM, event string) error {
	err := machine.Event(event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Visualize renders the workflow machine as graphviz source.
func Visualize() string {
	return fsm.Visualize(newMachine(zap.NewNop()))
}
